package server

import (
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestPushWriterOrdersSequentialEnqueues(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	w := newPushWriter(server, zerolog.Nop())

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 6)
		n, _ := client.Read(buf)
		received <- buf[:n]
	}()

	if err := w.enqueue([]byte("abc"), []byte("def")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := <-received
	if string(got) != "abcdef" {
		t.Errorf("got %q, want %q", got, "abcdef")
	}
}

func TestPushWriterSerializesConcurrentEnqueues(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	w := newPushWriter(server, zerolog.Nop())

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = w.enqueue([]byte{byte('0' + i%10)})
		}(i)
	}

	total := make([]byte, 0, n)
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for len(total) < n {
			if _, err := client.Read(buf); err != nil {
				break
			}
			total = append(total, buf[0])
		}
		close(done)
	}()

	wg.Wait()
	<-done

	if len(total) != n {
		t.Fatalf("received %d bytes, want %d", len(total), n)
	}
}

func TestPushWriterReturnsErrorAfterConnClosed(t *testing.T) {
	server, client := net.Pipe()
	_ = client.Close()
	_ = server.Close()
	w := newPushWriter(server, zerolog.Nop())

	if err := w.enqueue([]byte("x")); err == nil {
		t.Fatal("expected error writing to a closed pipe")
	}
	if err := w.enqueue([]byte("y")); err == nil {
		t.Fatal("expected cached error on subsequent enqueue")
	}
}
