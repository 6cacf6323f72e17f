package sse_test

import (
	"io"
	"log/slog"

	"stockat/adapters/sse"
)

// Message 表示一個 SSE 訊息，包含資料字段。
type Message struct {
	Data string `json:"data" msgpack:"data"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSubscriber 以 channel 模擬跨實例的訊息來源
type fakeSubscriber struct {
	ch      chan sse.PublishRequest[Message]
	started bool
	closed  bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan sse.PublishRequest[Message], 10)}
}

func (f *fakeSubscriber) Start() { f.started = true }

func (f *fakeSubscriber) Subscribe() <-chan sse.PublishRequest[Message] { return f.ch }

func (f *fakeSubscriber) Close() {
	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
}
