package s3blob

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
)

func TestIsNotFound(t *testing.T) {
	assert.False(t, isNotFound(nil))
	assert.False(t, isNotFound(errors.New("timeout")))
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(fmt.Errorf("get: %w", &types.NotFound{})))
}

func TestConfigValidate(t *testing.T) {
	err := ClientConfig{}.validate()
	assert.ErrorContains(t, err, "bucket name is required")
	assert.ErrorContains(t, err, "region is required")
	assert.NoError(t, ClientConfig{Bucket: "b", Region: "us-east-1"}.validate())
}
