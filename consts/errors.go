package consts

import "errors"

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUserExists       = errors.New("user already exists")
	ErrMessageNotFound  = errors.New("message not found")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInternalError    = errors.New("internal error")

	ErrS3UploadFailed = errors.New("s3 upload failed")
	ErrS3NotFound     = errors.New("s3 object not found")
)
