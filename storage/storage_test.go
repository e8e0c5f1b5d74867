package storage

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s, err := New(config.S3Config{Endpoint: "localhost:9000", Bucket: "retrogate", DisableTLS: true})
	require.NoError(t, err)
	assert.Equal(t, "retrogate", s.BucketName)
	assert.NotNil(t, s.Client)
}

func TestClassify(t *testing.T) {
	notFound := minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	assert.True(t, isNotFound(notFound))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", notFound)))
	assert.False(t, isNotFound(minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}))

	err := classify("abc", notFound)
	assert.True(t, errors.Is(err, consts.ErrS3NotFound))

	err = classify("abc", errors.New("connection refused"))
	assert.False(t, errors.Is(err, consts.ErrS3NotFound))
	assert.Contains(t, err.Error(), "connection refused")
}
