package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPost {
			var req predictionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "B01", req.ASIN)
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTrend_Upward(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/ai/trend-prediction": `{"status":"success","prediction":{"trend":"upward","confidence":0.85,"forecast":[1,2,3]}}`,
	})
	c := NewClient(Config{BaseURL: srv.URL})

	sig, err := c.Trend(context.Background(), "B01", 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, sig.Direction, 1e-9)
	assert.InDelta(t, 0.85, sig.Confidence, 1e-9)
	assert.Equal(t, "trend-prediction", sig.Source)
}

func TestTrend_BlendsSentiment(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/ai/trend-prediction":   `{"status":"success","prediction":{"trend":"downward","confidence":0.5}}`,
		"/ai/sentiment-analysis": `{"status":"success","prediction":{"sentiment":"positive","confidence":1}}`,
	})
	c := NewClient(Config{BaseURL: srv.URL, SentimentWeight: 0.5})

	sig, err := c.Trend(context.Background(), "B01", 7)
	require.NoError(t, err)
	// 0.5*(-0.5) + 0.5*1
	assert.InDelta(t, 0.25, sig.Direction, 1e-9)
	assert.Equal(t, "trend-prediction+sentiment", sig.Source)
}

func TestTrend_SentimentFailureKeepsTrend(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/ai/trend-prediction": `{"status":"success","prediction":{"trend":"flat","confidence":0.9}}`,
	})
	c := NewClient(Config{BaseURL: srv.URL, SentimentWeight: 0.3})

	sig, err := c.Trend(context.Background(), "B01", 7)
	require.NoError(t, err)
	assert.Zero(t, sig.Direction)
	assert.Equal(t, "trend-prediction", sig.Source)
}

func TestTrend_Errors(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/ai/trend-prediction": `{"status":"error","message":"model unavailable"}`,
	})
	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Trend(context.Background(), "B01", 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPredictionFailed))

	empty := newServer(t, map[string]string{})
	c = NewClient(Config{BaseURL: empty.URL})
	_, err = c.Trend(context.Background(), "B01", 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestHealthAndSalesForecast(t *testing.T) {
	srv := newServer(t, map[string]string{
		"/health":            `{"status":"ok"}`,
		"/ai/sales-forecast": `{"status":"success","prediction":{"confidence":0.7,"forecast":[10,12,14]}}`,
	})
	c := NewClient(Config{BaseURL: srv.URL + "/"})

	require.NoError(t, c.Health(context.Background()))
	p, err := c.SalesForecast(context.Background(), "B01", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 12, 14}, p.Forecast)
}
