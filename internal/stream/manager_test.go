package stream

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*httpclient.Response, error) {
	args := m.Called(ctx, url, body, headers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*httpclient.Response), args.Error(1)
}

func credentialsResponse(token string, expiresIn int64) *httpclient.Response {
	body := `{"streamAccess":{"endpoint":"/internal/stream/events","tokenHeader":"X-Stream-Token","token":"` +
		token + `","expiresIn":` + strconv.FormatInt(expiresIn, 10) + `}}`
	return &httpclient.Response{Status: 200, Body: []byte(body)}
}

func newTestManager(transport *MockTransport) *Manager {
	return NewManager(transport, httpclient.NewRetrier(1, time.Millisecond, time.Millisecond), "https://api.example.com", "test-key")
}

func TestGetCachesCredentials(t *testing.T) {
	transport := new(MockTransport)
	transport.On("Post", mock.Anything, "https://api.example.com/internal/dashboard/stream-access", mock.Anything, mock.Anything).
		Return(credentialsResponse("tok-1", 300), nil).Once()

	m := newTestManager(transport)

	first, err := m.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", first.Token)
	require.Equal(t, "/internal/stream/events", first.Endpoint)

	second, err := m.Get(context.Background())
	require.NoError(t, err)
	require.Same(t, first, second)

	transport.AssertExpectations(t)
}

func TestGetSendsBrowserHeaders(t *testing.T) {
	transport := new(MockTransport)
	transport.On("Post", mock.Anything, mock.Anything, []byte("{}"), mock.MatchedBy(func(h map[string]string) bool {
		return h["Cookie"] == "dashboard_api_key=test-key" &&
			h["X-API-Key"] == "test-key" &&
			h["Origin"] == "https://api.example.com" &&
			h["Referer"] == "https://api.example.com/dashboard" &&
			h["User-Agent"] != ""
	})).Return(credentialsResponse("tok-1", 300), nil).Once()

	m := newTestManager(transport)
	_, err := m.Get(context.Background())
	require.NoError(t, err)
	transport.AssertExpectations(t)
}

func TestGetRefreshesInsideEagerBuffer(t *testing.T) {
	transport := new(MockTransport)
	transport.On("Post", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(credentialsResponse("tok-1", 300), nil).Twice()

	m := newTestManager(transport)
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Get(context.Background())
	require.NoError(t, err)

	// 300s expiry with a 60s buffer: at +241s the cache no longer counts
	base = base.Add(241 * time.Second)
	_, err = m.Get(context.Background())
	require.NoError(t, err)

	transport.AssertExpectations(t)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	transport := new(MockTransport)
	transport.On("Post", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(credentialsResponse("tok-1", 300), nil).Twice()

	m := newTestManager(transport)

	_, err := m.Get(context.Background())
	require.NoError(t, err)

	m.Invalidate()

	_, err = m.Get(context.Background())
	require.NoError(t, err)

	transport.AssertExpectations(t)
}

func TestConcurrentGetSharesOneRefresh(t *testing.T) {
	transport := new(MockTransport)
	transport.On("Post", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { time.Sleep(30 * time.Millisecond) }).
		Return(credentialsResponse("tok-1", 300), nil).Once()

	m := newTestManager(transport)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Get(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	transport.AssertExpectations(t)
}

func TestGetFailsWithoutToken(t *testing.T) {
	transport := new(MockTransport)
	transport.On("Post", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&httpclient.Response{Status: 200, Body: []byte(`{"streamAccess":{"endpoint":"/x"}}`)}, nil).Once()

	m := newTestManager(transport)
	_, err := m.Get(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing token")
}
