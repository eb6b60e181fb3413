package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// cliOutput 收集 run 写往 stdOut/stdErr 的内容。
type cliOutput struct {
	out *bytes.Buffer
	err *bytes.Buffer
}

// captureOutput 在测试期间把 stdOut/stdErr 替换为内存缓冲区，结束后恢复。
func captureOutput(t *testing.T) cliOutput {
	t.Helper()
	captured := cliOutput{out: &bytes.Buffer{}, err: &bytes.Buffer{}}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = captured.out, captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 返回 internal/config/testdata 下的配置样例路径。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("无法定位测试文件")
	}
	path := filepath.Join(filepath.Dir(file), "internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例不存在: %v", err)
	}
	return path
}
