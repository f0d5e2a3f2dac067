package cache

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestFanout_BothSinksReceiveIdenticalBytes(t *testing.T) {
	content := strings.Repeat("artifact-bytes-", 1000)
	fo := newFanout(io.NopCloser(strings.NewReader(content)))

	callerData := make(chan []byte, 1)
	storeData := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(fo.callerR)
		callerData <- b
	}()
	go func() {
		b, _ := io.ReadAll(fo.storeR)
		storeData <- b
	}()

	got1 := <-callerData
	got2 := <-storeData
	if !bytes.Equal(got1, []byte(content)) {
		t.Fatal("caller sink did not receive the full content")
	}
	if !bytes.Equal(got2, []byte(content)) {
		t.Fatal("store sink did not receive the full content")
	}
}

func TestFanout_CallerDisconnectDoesNotStopStoreSink(t *testing.T) {
	content := strings.Repeat("x", fanoutChunkSize*3)
	fo := newFanout(io.NopCloser(strings.NewReader(content)))

	// Caller "disconnects" immediately: close its read side without
	// draining, which turns every subsequent callerW.Write into an error.
	fo.callerR.Close()

	storeData := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(fo.storeR)
		storeData <- b
	}()

	select {
	case b := <-storeData:
		if !bytes.Equal(b, []byte(content)) {
			t.Fatalf("store sink received %d bytes, want %d", len(b), len(content))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out: store sink stalled after caller disconnect")
	}
}

func TestFanout_StoreFailureDoesNotStopCallerSink(t *testing.T) {
	content := strings.Repeat("y", fanoutChunkSize*3)
	fo := newFanout(io.NopCloser(strings.NewReader(content)))

	fo.storeR.Close()

	callerData := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(fo.callerR)
		callerData <- b
	}()

	select {
	case b := <-callerData:
		if !bytes.Equal(b, []byte(content)) {
			t.Fatalf("caller sink received %d bytes, want %d", len(b), len(content))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out: caller sink stalled after store failure")
	}
}

func TestFanout_SourceErrorPropagatesToBothSinks(t *testing.T) {
	fo := newFanout(io.NopCloser(&erroringReader{err: errors.New("upstream read failed")}))

	_, callerErr := io.ReadAll(fo.callerR)
	if callerErr == nil {
		t.Fatal("expected caller sink to observe the source error")
	}
	_, storeErr := io.ReadAll(fo.storeR)
	if storeErr == nil {
		t.Fatal("expected store sink to observe the source error")
	}
}

type erroringReader struct {
	err error
}

func (e *erroringReader) Read(p []byte) (int, error) {
	return 0, e.err
}
