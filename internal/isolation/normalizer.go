// Package isolation enforces the cross-origin isolation response headers
// (COEP require-corp, COOP same-origin) that SharedArrayBuffer-based
// applications need on every document and asset they load.
package isolation

import "net/http"

const (
	HeaderEmbedderPolicy = "Cross-Origin-Embedder-Policy"
	HeaderOpenerPolicy   = "Cross-Origin-Opener-Policy"

	EmbedderPolicyValue = "require-corp"
	OpenerPolicyValue   = "same-origin"
)

// Normalizer 在响应上补齐 COEP/COOP 头，Enabled=false 时原样返回。
type Normalizer struct {
	Enabled bool
}

// Normalize 返回带隔离头的响应。
// 已满足要求时返回同一指针且不触碰 Body；否则构造新响应，沿用原 Body（不读取、不关闭）。
func (n Normalizer) Normalize(resp *http.Response) *http.Response {
	if !n.Enabled || resp == nil {
		return resp
	}
	if Satisfied(resp.Header) {
		return resp
	}

	header := http.Header{}
	if resp.Header != nil {
		header = resp.Header.Clone()
	}
	header.Set(HeaderEmbedderPolicy, EmbedderPolicyValue)
	header.Set(HeaderOpenerPolicy, OpenerPolicyValue)

	normalized := *resp
	normalized.Header = header
	return &normalized
}

// Satisfied 判断头部是否已经携带正确的隔离策略。
func Satisfied(header http.Header) bool {
	if header == nil {
		return false
	}
	return header.Get(HeaderEmbedderPolicy) == EmbedderPolicyValue &&
		header.Get(HeaderOpenerPolicy) == OpenerPolicyValue
}
