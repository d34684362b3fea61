package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectBroker_Embedded(t *testing.T) {
	b, err := ConnectBroker("", nil)
	require.NoError(t, err)
	assert.True(t, b.Embedded())
	assert.True(t, b.Healthy())

	sub, err := b.Conn.SubscribeSync("probe")
	require.NoError(t, err)
	require.NoError(t, b.Conn.Publish("probe", []byte("ping")))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg.Data))

	require.NoError(t, b.Close())
	assert.False(t, b.Healthy())
}

func TestConnectBroker_Unreachable(t *testing.T) {
	_, err := ConnectBroker("nats://127.0.0.1:1", nil)
	assert.Error(t, err)
}

func TestWebhookSender(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	job := &Job{ID: "j1", Status: StatusCompleted, WebhookURL: srv.URL, CreatedAt: time.Now()}
	sender := NewWebhookSender(time.Second)
	require.NoError(t, sender.Send(context.Background(), job))

	status = http.StatusInternalServerError
	assert.Error(t, sender.Send(context.Background(), job))
}

func TestValidateWebhookURL(t *testing.T) {
	assert.NoError(t, validateWebhookURL(""))
	assert.NoError(t, validateWebhookURL("https://example.com/hook"))
	assert.ErrorIs(t, validateWebhookURL("example.com/hook"), ErrInvalidJob)
	assert.ErrorIs(t, validateWebhookURL("ftp://example.com"), ErrInvalidJob)
}
