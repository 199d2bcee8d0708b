package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aer0ss/aerofs-sub011"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// TestSplitAndTrim 测试逗号分隔列表解析
func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a, ,b ", ","))
	assert.Empty(t, splitAndTrim("", ","))
}

// TestRuntimeOptions 测试运行参数转换为选项
func TestRuntimeOptions(t *testing.T) {
	did := types.RandomDID()
	off := false
	rt := &runtimeConfig{listenAddr: "127.0.0.1:0", device: &did, multicast: &off, hub: true}

	tr, err := aerofs.New(rt.options()...)
	if !assert.NoError(t, err) {
		return
	}
	defer tr.Close()

	cfg := tr.Config()
	assert.Equal(t, did, tr.DID())
	assert.Equal(t, "127.0.0.1:0", cfg.Unicast.ListenAddr)
	assert.False(t, cfg.Multicast.Enabled)
	assert.True(t, cfg.Stores.HubMode)
}
