package metadata

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-pkgdist/api"
	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
	"github.com/input-output-hk/catalyst-forge-pkgdist/resolver"
)

// recordingDoer captures requests and answers with a fixed response.
type recordingDoer struct {
	resp  *api.Response
	err   error
	calls []api.Request
	body  []byte
}

func (d *recordingDoer) Do(_ context.Context, _ string, req api.Request) (*api.Response, error) {
	d.calls = append(d.calls, req)
	if req.Body != nil {
		r, _ := req.Body()
		d.body, _ = io.ReadAll(r)
	}
	return d.resp, d.err
}

var desired = Desired{
	Filename:       "Tool-2.0.pkg",
	Category:       "Tools",
	Info:           "built by CI",
	Priority:       10,
	RebootRequired: true,
}

// TestReconciler_Create tests that a missing record is created with POST id/0.
func TestReconciler_Create(t *testing.T) {
	doer := &recordingDoer{resp: &api.Response{
		Status: http.StatusCreated,
		Body:   []byte(`<?xml version="1.0" encoding="UTF-8"?><package><id>42</id></package>`),
	}}

	id, err := New(doer).Reconcile(context.Background(), "Tool-2.0.pkg", nil, desired)
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	require.Len(t, doer.calls, 1)
	assert.Equal(t, http.MethodPost, doer.calls[0].Method)
	assert.Equal(t, "/JSSResource/packages/id/0", doer.calls[0].Path)
	assert.Equal(t, "application/xml", doer.calls[0].ContentType)

	var sent packageXML
	require.NoError(t, xml.Unmarshal(doer.body, &sent))
	assert.Equal(t, "Tool-2.0.pkg", sent.Name)
	assert.Equal(t, "Tools", sent.Category)
	assert.Equal(t, "Tool-2.0.pkg", sent.Filename)
	assert.Equal(t, 10, sent.Priority)
	assert.True(t, sent.RebootRequired)
	assert.Equal(t, DefaultRequiredProcessor, sent.RequiredProcessor)
	assert.Zero(t, sent.ID)
}

// TestReconciler_Update tests that an existing record is updated in place and
// that identical fields produce an identical document.
func TestReconciler_Update(t *testing.T) {
	existing := &resolver.Record{ID: 7, Name: "Tool-2.0.pkg"}

	var bodies [][]byte
	for i := 0; i < 2; i++ {
		doer := &recordingDoer{resp: &api.Response{Status: http.StatusCreated}}
		id, err := New(doer).Reconcile(context.Background(), "Tool-2.0.pkg", existing, desired)
		require.NoError(t, err)
		assert.Equal(t, 7, id)

		require.Len(t, doer.calls, 1)
		assert.Equal(t, http.MethodPut, doer.calls[0].Method)
		assert.Equal(t, "/JSSResource/packages/id/7", doer.calls[0].Path)
		bodies = append(bodies, doer.body)
	}
	assert.Equal(t, bodies[0], bodies[1])
}

// TestReconciler_Errors tests failure classification.
func TestReconciler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		doer   *recordingDoer
		status int
	}{
		{
			name: "server rejects",
			doer: &recordingDoer{err: pkgerrors.New("reconcile", pkgerrors.CodeInvalidInput, nil).
				WithStatus(http.StatusConflict)},
			status: http.StatusConflict,
		},
		{
			name:   "create without id",
			doer:   &recordingDoer{resp: &api.Response{Status: http.StatusCreated, Body: []byte("<package/>")}},
			status: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.doer).Reconcile(context.Background(), "Tool.pkg", nil, desired)
			require.Error(t, err)
			assert.ErrorIs(t, err, pkgerrors.ErrMetadataReconciliation)
			assert.Equal(t, tt.status, pkgerrors.StatusOf(err))
			assert.Contains(t, err.Error(), `"Tool.pkg"`)
		})
	}
}
