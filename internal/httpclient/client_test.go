package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config tuned for fast tests: millisecond backoff and
// a breaker threshold high enough to stay out of the way.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.CircuitThreshold = 100
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
	assert.Equal(t, DefaultCircuitThreshold, cfg.CircuitThreshold)
	assert.True(t, cfg.EnableDecompression)
	assert.Contains(t, cfg.UserAgent, "renderd/")
}

func TestNewFillsDefaults(t *testing.T) {
	c := New(Config{})
	require.NotNil(t, c.logger)
	require.NotNil(t, c.client)
	require.NotNil(t, c.breaker)
}

func TestClientUserAgent(t *testing.T) {
	t.Run("default identifies renderd", func(t *testing.T) {
		var ua string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua = r.Header.Get(HeaderUserAgent)
		}))
		defer server.Close()

		resp, err := NewWithDefaults().Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Contains(t, ua, "renderd/")
	})

	t.Run("config override", func(t *testing.T) {
		var ua string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua = r.Header.Get(HeaderUserAgent)
		}))
		defer server.Close()

		cfg := testConfig()
		cfg.UserAgent = "tts-prober/0.1"
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "tts-prober/0.1", ua)
	})

	t.Run("request header wins", func(t *testing.T) {
		var ua string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua = r.Header.Get(HeaderUserAgent)
		}))
		defer server.Close()

		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		req.Header.Set(HeaderUserAgent, "curl/8.0")

		resp, err := New(testConfig()).Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "curl/8.0", ua)
	})
}

func TestClientRetries(t *testing.T) {
	t.Run("retries a 503 and succeeds", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("synthesized"))
		}))
		defer server.Close()

		resp, err := New(testConfig()).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "synthesized", string(body))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("rewinds the body between attempts", func(t *testing.T) {
		var calls atomic.Int32
		bodies := make(chan string, 2)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			bodies <- string(b)
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		resp, err := New(testConfig()).PostJSON(context.Background(), server.URL, map[string]string{"text": "hello"})
		require.NoError(t, err)
		resp.Body.Close()

		first, second := <-bodies, <-bodies
		assert.JSONEq(t, `{"text":"hello"}`, first)
		assert.Equal(t, first, second)
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := testConfig()
		cfg.RetryAttempts = 2
		_, err := New(cfg).Get(context.Background(), server.URL)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are returned, not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		resp, err := New(testConfig()).Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("context cancellation stops the backoff wait", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := testConfig()
		cfg.RetryDelay = 5 * time.Second

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := New(cfg).Get(ctx, server.URL)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestClientCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.RetryAttempts = 1
	cfg.CircuitThreshold = 2
	cfg.CircuitTimeout = time.Minute
	client := New(cfg)

	// Two failed attempts trip the breaker.
	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, client.CircuitState())
	assert.Equal(t, int32(2), calls.Load())

	// The next call never reaches the server.
	_, err = client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, int32(2), calls.Load())

	client.ResetCircuit()
	assert.Equal(t, CircuitClosed, client.CircuitState())
}

func TestClientDecompression(t *testing.T) {
	const plaintext = "1\n00:00:01,000 --> 00:00:02,000\nhello\n"

	tests := []struct {
		name     string
		encoding string
		compress func(w io.Writer) io.WriteCloser
	}{
		{"gzip", EncodingGzip, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }},
		{"deflate", EncodingDeflate, func(w io.Writer) io.WriteCloser {
			fw, _ := flate.NewWriter(w, flate.DefaultCompression)
			return fw
		}},
		{"brotli", EncodingBrotli, func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, DefaultAcceptEncodingHeader, r.Header.Get(HeaderAcceptEncoding))
				w.Header().Set(HeaderContentEncoding, tt.encoding)
				cw := tt.compress(w)
				_, _ = cw.Write([]byte(plaintext))
				_ = cw.Close()
			}))
			defer server.Close()

			resp, err := New(testConfig()).Get(context.Background(), server.URL)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, plaintext, string(body))
		})
	}

	t.Run("unknown encoding passes through", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, "zstd")
			_, _ = w.Write([]byte("raw-bytes"))
		}))
		defer server.Close()

		resp, err := New(testConfig()).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "raw-bytes", string(body))
	})

	t.Run("disabled decompression returns compressed bytes", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingBrotli)
			bw := brotli.NewWriter(w)
			_, _ = bw.Write([]byte(plaintext))
			_ = bw.Close()
		}))
		defer server.Close()

		cfg := testConfig()
		cfg.EnableDecompression = false
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		req.Header.Set(HeaderAcceptEncoding, EncodingBrotli)

		resp, err := New(cfg).Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, string(raw))

		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(decoded))
	})
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get(HeaderContentType))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"text":"hello","voice_id":"v1"}`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := New(testConfig()).PostJSON(context.Background(), server.URL, map[string]string{
		"text":     "hello",
		"voice_id": "v1",
	})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestObfuscateURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want func(t *testing.T, out string)
	}{
		{
			name: "api key is masked",
			in:   "https://tts.example.com/v1/speech?api_key=sk-secret-1&text=hi",
			want: func(t *testing.T, out string) {
				assert.NotContains(t, out, "sk-secret-1")
				assert.Contains(t, out, "text=hi")
			},
		},
		{
			name: "token is masked",
			in:   "https://cdn.example.com/clip.mp4?token=tok-abc",
			want: func(t *testing.T, out string) {
				assert.NotContains(t, out, "tok-abc")
			},
		},
		{
			name: "clean urls unchanged",
			in:   "https://cdn.example.com/clip.mp4?start=5",
			want: func(t *testing.T, out string) {
				assert.Equal(t, "https://cdn.example.com/clip.mp4?start=5", out)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			require.NoError(t, err)
			tt.want(t, obfuscateURL(u))
		})
	}

	t.Run("nil url", func(t *testing.T) {
		assert.Empty(t, obfuscateURL(nil))
	})
}
