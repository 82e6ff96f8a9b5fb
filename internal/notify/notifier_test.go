package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-funnel-go/internal/storage"
	"coach-funnel-go/pkg/httpclient"
)

func newTestNotifier(emailEndpoint, scoreEndpoint string) *Notifier {
	return &Notifier{
		emailClient:   httpclient.New("email-key", 5*time.Second),
		scoreClient:   httpclient.New("score-key", 5*time.Second),
		emailEndpoint: emailEndpoint,
		scoreEndpoint: scoreEndpoint,
		maxRetries:    3,
		retryInterval: 10 * time.Millisecond,
	}
}

func TestHandleNotificationSendsEmail(t *testing.T) {
	var captured emailRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer email-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := newTestNotifier(server.URL, "")
	msg := storage.NotificationMessage{
		ApplicationID: "app-1",
		Name:          "张教练",
		Email:         "coach@example.com",
		CompletedAt:   time.Now(),
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	assert.True(t, n.handleNotification(body))
	assert.Equal(t, "coach@example.com", captured.To)
	assert.Equal(t, "张教练", captured.Name)
	assert.Equal(t, "app-1", captured.ApplicationID)
	assert.Equal(t, confirmationTemplate, captured.Template)
}

func TestHandleNotificationRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := newTestNotifier(server.URL, "")
	body, _ := json.Marshal(storage.NotificationMessage{ApplicationID: "app-2", Email: "a@b.com"})

	assert.True(t, n.handleNotification(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHandleNotificationDropsAfterRetryExhaustion(t *testing.T) {
	// fire-and-forget语义：重试耗尽后确认消费（丢弃），不重新入队
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := newTestNotifier(server.URL, "")
	body, _ := json.Marshal(storage.NotificationMessage{ApplicationID: "app-3", Email: "a@b.com"})

	assert.True(t, n.handleNotification(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHandleNotificationDropsPoisonMessages(t *testing.T) {
	n := newTestNotifier("http://localhost:1", "")

	// JSON损坏
	assert.True(t, n.handleNotification([]byte("not-json")))
	// 缺少收件邮箱
	body, _ := json.Marshal(storage.NotificationMessage{ApplicationID: "app-4"})
	assert.True(t, n.handleNotification(body))
}

func TestHandleScoreRequest(t *testing.T) {
	var captured scoreRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer score-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		// 响应内容被忽略，随便回点东西
		w.Write([]byte(`{"score": 87}`))
	}))
	defer server.Close()

	n := newTestNotifier("", server.URL)
	body, _ := json.Marshal(storage.ScoreRequestMessage{ApplicationID: "app-5", RequestedAt: time.Now()})

	assert.True(t, n.handleScoreRequest(body))
	assert.Equal(t, "app-5", captured.ApplicationID)
}
