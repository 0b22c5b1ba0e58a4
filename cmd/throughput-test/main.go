// Command throughput-test measures request throughput through an in-process
// metaproxy binding, either as forwarded HTTP or through CONNECT tunnels.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/numbata/metaproxy/metaproxy-srv/binding"
	"github.com/numbata/metaproxy/metaproxy-srv/config"
	"github.com/numbata/metaproxy/metaproxy-srv/logger"
	"github.com/numbata/metaproxy/metaproxy-srv/proxy"
)

var (
	numRequests = pflag.Int("requests", 100, "Total number of requests to send")
	concurrency = pflag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = pflag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = pflag.Int("data-size", 1024*1024, "Size of payload in bytes per request")
	tunnel      = pflag.Bool("tunnel", false, "Fetch over HTTPS so every request goes through a CONNECT tunnel")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string) result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return result{0, fmt.Errorf("new request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return result{0, fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("status %d (%s)", resp.StatusCode, resp.Header.Get("X-Proxy-Error"))}
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return result{n, fmt.Errorf("read body: %w", err)}
	}
	if n != int64(*dataSize) {
		return result{n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)}
	}
	return result{n, nil}
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func main() {
	pflag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	var target *httptest.Server
	if *tunnel {
		target = httptest.NewTLSServer(dataHandler(buf))
	} else {
		target = httptest.NewServer(dataHandler(buf))
	}
	defer target.Close()

	cfg := config.Default()
	cfg.ListenHost = "127.0.0.1"
	cfg.AllowDirect = true
	cfg.TimeoutSeconds = 5

	p := proxy.NewProxy(cfg, nil)
	defer p.Close()
	registry := binding.NewRegistry(cfg.ListenHost, p)
	defer registry.Close()

	port, err := freePort()
	if err != nil {
		logger.Fatal("No free port: %v", err)
	}
	if _, err := registry.Create(port, ""); err != nil {
		logger.Fatal("Failed to create binding: %v", err)
	}

	proxyURL, _ := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	transport := &http.Transport{
		Proxy:               http.ProxyURL(proxyURL),
		MaxIdleConnsPerHost: *concurrency,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
	}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	targetURL := target.URL + "/data"

	jobs := make(chan struct{})
	results := make(chan result, *numRequests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				results <- sendRequest(ctx, client, targetURL)
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)

	success, errors, total := 0, 0, int64(0)
	var firstErr error
	for res := range results {
		if res.err != nil {
			errors++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		success++
		total += res.bytes
	}
	dur := time.Since(start)
	rps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	mode := "forward"
	if *tunnel {
		mode = "tunnel"
	}
	fmt.Printf("Mode: %s, Duration: %.2f s, Success: %d, Errors: %d\n", mode, dur.Seconds(), success, errors)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)

	if errors > 0 || ctx.Err() == context.DeadlineExceeded {
		fmt.Fprintf(os.Stderr, "Test failed: timeout or errors (first error: %v)\n", firstErr)
		os.Exit(1)
	}
}
