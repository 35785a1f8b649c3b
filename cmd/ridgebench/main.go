// Command ridgebench drives VDI-op load against a running ridged node
// and reports throughput.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "node admin address")
	n := flag.Int("n", 2000, "number of VDI create/lock/release cycles")
	conc := flag.Int("c", 16, "concurrency")
	nameSize := flag.Int("namelen", 16, "VDI name size in bytes")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan struct{}, *conc)
	var ops int64

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			name := []byte(fmt.Sprintf("v%d", i))
			if pad := *nameSize - len(name); pad > 0 {
				name = append(name, bytes.Repeat([]byte{'x'}, pad)...)
			}

			for _, url := range []string{"/vdi/new?copies=1", "/vdi/lock", "/vdi/release"} {
				if post(client, *addr+url, name) == nil {
					atomic.AddInt64(&ops, 1)
				}
			}
			<-ch
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s)\n", ops, dur, float64(ops)/dur.Seconds())
}

func post(client *http.Client, url string, body []byte) error {
	resp, err := client.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
