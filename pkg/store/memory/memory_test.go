package memory

import (
	"testing"

	"github.com/lzyats/core-offline-go/pkg/store/storetest"
)

func TestCacheStore(t *testing.T) { storetest.CacheStore(t, New()) }

func TestKV(t *testing.T) { storetest.KV(t, New()) }
