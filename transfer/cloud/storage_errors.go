package cloud

import (
	"errors"

	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"

	pkgerrors "github.com/input-output-hk/catalyst-forge-pkgdist/errors"
)

// Storage error codes meaning the issued credentials were refused.
var credentialCodes = map[string]bool{
	"AccessDenied":          true,
	"ExpiredToken":          true,
	"InvalidAccessKeyId":    true,
	"InvalidToken":          true,
	"SignatureDoesNotMatch": true,
	"TokenRefreshRequired":  true,
}

// storageError classifies a driver failure. Rejected credentials map to
// ErrStorageCredentials; everything else is a determinate transfer failure.
func storageError(err error) *pkgerrors.Error {
	code := pkgerrors.CodeTransfer

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && credentialCodes[apiErr.ErrorCode()] {
		code = pkgerrors.CodeStorageCredentials
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && credentialCodes[minioErr.Code] {
		code = pkgerrors.CodeStorageCredentials
	}

	return pkgerrors.New("transfer.cloud", code, err)
}
