package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyage/envoyage/internal/plugin"
	"github.com/envoyage/envoyage/internal/store"
)

func newStoreWithConsumer(key string) *store.Store {
	st := store.New()
	st.Consumers.Upsert("alice", &store.Consumer{
		Username: "alice",
		Plugins:  []store.PluginConfig{{Name: "key-auth", Config: map[string]any{"key": key}}},
	}, nil)
	return st
}

func TestKeyAuthMissingHeader(t *testing.T) {
	k := NewKeyAuth(newStoreWithConsumer("secret"))
	rc := plugin.NewRequestContext("GET", "/", "example.com", "127.0.0.1")

	result := k.access(nil, rc)
	assert.Equal(t, 401, result.StatusCode)
	assert.Nil(t, rc.Consumer)
}

func TestKeyAuthMatchesConsumer(t *testing.T) {
	k := NewKeyAuth(newStoreWithConsumer("secret"))
	rc := plugin.NewRequestContext("GET", "/", "example.com", "127.0.0.1")
	rc.Headers["apikey"] = "secret"

	result := k.access(nil, rc)
	require.Zero(t, result.StatusCode)
	require.NotNil(t, rc.Consumer)
	assert.Equal(t, "alice", rc.Consumer.Username)
}

func TestKeyAuthRejectsWrongKey(t *testing.T) {
	k := NewKeyAuth(newStoreWithConsumer("secret"))
	rc := plugin.NewRequestContext("GET", "/", "example.com", "127.0.0.1")
	rc.Headers["apikey"] = "wrong"

	result := k.access(nil, rc)
	assert.Equal(t, 401, result.StatusCode)
}
