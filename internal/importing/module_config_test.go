package importing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestModuleConfigOverrides(t *testing.T) {
	cfg := NewModuleConfig(ModuleSettings{MaxErrorCount: 500}, DefaultModuleOverrides())

	def := cfg.For("material")
	assert.Equal(t, 1000, def.BatchInsertSize)
	assert.Equal(t, 10, def.MaxConcurrentBatches)
	assert.Equal(t, 500, def.MaxErrorCount)
	assert.Equal(t, 30*time.Minute, def.BatchTimeout())
	assert.Equal(t, 120*time.Second, def.TransactionTimeout())

	po := cfg.For("purchase-order")
	assert.Equal(t, 100, po.BatchInsertSize)
	assert.Equal(t, 1800*time.Second, po.TransactionTimeout())
	assert.Equal(t, 500, po.MaxErrorCount, "unset override fields inherit the global value")
	assert.Equal(t, 10, po.MaxConcurrentBatches)

	assert.Equal(t, []string{"purchase-order"}, cfg.Modules())
}

func TestModuleConfigNil(t *testing.T) {
	var cfg *ModuleConfig
	assert.Equal(t, DefaultModuleSettings(), cfg.For("anything"))
}
