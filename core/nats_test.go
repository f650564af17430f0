package core

import (
	"testing"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestConvertNATSConfig(t *testing.T) {
	assert := assert.New(t)

	params := ConvertNATSConfig(common.NATSConfig{
		ServerURI:      "nats://127.0.0.1:4222",
		Subject:        "records",
		ConnectTimeout: 30,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 15},
	})

	// Case 0: values converted
	assert.Equal("nats://127.0.0.1:4222", params.ServerURI)
	assert.Equal(time.Second*30, params.ConnectTimeout)
	assert.Equal(-1, params.MaxReconnectAttempt)
	assert.Equal(time.Second*15, params.ReconnectWait)
	assert.NotNil(params.OnDisconnectCallback)
	assert.NotNil(params.OnReconnectCallback)
	assert.NotNil(params.OnCloseCallback)

	// Case 1: URI is validated
	validate := validator.New()
	assert.Nil(validate.Struct(&params))
	params.ServerURI = "not a uri"
	assert.NotNil(validate.Struct(&params))
}
