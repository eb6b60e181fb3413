package isolation

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

type trackingBody struct {
	io.Reader
	reads  int
	closed bool
}

func (b *trackingBody) Read(p []byte) (int, error) {
	b.reads++
	return b.Reader.Read(p)
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestNormalizeDisabledReturnsInput(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}
	if got := (Normalizer{Enabled: false}).Normalize(resp); got != resp {
		t.Fatalf("关闭时应原样返回")
	}
	if resp.Header.Get(HeaderEmbedderPolicy) != "" {
		t.Fatalf("关闭时不应修改头部")
	}
}

func TestNormalizeNilResponse(t *testing.T) {
	if got := (Normalizer{Enabled: true}).Normalize(nil); got != nil {
		t.Fatalf("nil 响应应原样返回")
	}
}

func TestNormalizeAlreadySatisfied(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader("payload")}
	header := http.Header{}
	header.Set(HeaderEmbedderPolicy, EmbedderPolicyValue)
	header.Set(HeaderOpenerPolicy, OpenerPolicyValue)
	resp := &http.Response{StatusCode: http.StatusOK, Header: header, Body: body}

	got := (Normalizer{Enabled: true}).Normalize(resp)
	if got != resp {
		t.Fatalf("已满足时应返回同一响应")
	}
	if body.reads != 0 || body.closed {
		t.Fatalf("不应读取或关闭原始 Body")
	}
}

func TestNormalizeForcesHeaders(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader("payload")}
	header := http.Header{}
	header.Set("Content-Type", "application/javascript")
	header.Set(HeaderEmbedderPolicy, "unsafe-none")
	resp := &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Header: header, Body: body}

	got := (Normalizer{Enabled: true}).Normalize(resp)
	if got == resp {
		t.Fatalf("应构造新响应")
	}
	if got.StatusCode != http.StatusNotFound || got.Status != "404 Not Found" {
		t.Fatalf("状态应保持一致: %d %s", got.StatusCode, got.Status)
	}
	if got.Header.Get(HeaderEmbedderPolicy) != EmbedderPolicyValue || got.Header.Get(HeaderOpenerPolicy) != OpenerPolicyValue {
		t.Fatalf("隔离头未强制写入: %v", got.Header)
	}
	if got.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("其他头部应保留")
	}
	if resp.Header.Get(HeaderEmbedderPolicy) != "unsafe-none" {
		t.Fatalf("原响应头部不应被修改")
	}
	if body.reads != 0 {
		t.Fatalf("构造新响应时不应读取 Body")
	}
	data, _ := io.ReadAll(got.Body)
	if string(data) != "payload" {
		t.Fatalf("正文应保持一致: %s", data)
	}
}

func TestNormalizeNilHeader(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK}
	got := (Normalizer{Enabled: true}).Normalize(resp)
	if !Satisfied(got.Header) {
		t.Fatalf("无头部的响应也应补齐隔离头")
	}
}
