package mssql

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStmtCacheLRUScenario(t *testing.T) {
	// Capacity 2, execute A, B, A, C. The server-side call pattern is:
	// prepare(A), prepare(B), cache hit on A, evict B (unprepare),
	// prepare(C).
	cache := newStmtCache(2)
	var calls []string

	exec := func(name string, handle int32) {
		key := stmtKey(name, "")
		if _, ok := cache.get(key); ok {
			calls = append(calls, "sp_execute("+name+")")
			return
		}
		if evicted, has := cache.evictIfFull(); has {
			calls = append(calls, fmt.Sprintf("sp_unprepare(%d)", evicted))
		}
		calls = append(calls, "sp_prepare("+name+")")
		cache.put(key, handle)
	}

	exec("A", 1)
	exec("B", 2)
	exec("A", 1)
	exec("C", 3)

	expected := []string{
		"sp_prepare(A)",
		"sp_prepare(B)",
		"sp_execute(A)",
		"sp_unprepare(2)", // B was least recently used
		"sp_prepare(C)",
	}
	assert.Equal(t, expected, calls)
}

// |cache| <= capacity must hold after every mutation.
func TestStmtCacheCapacityInvariant(t *testing.T) {
	cache := newStmtCache(3)
	for i := 0; i < 50; i++ {
		cache.put(stmtKey(fmt.Sprintf("SELECT %d", i), ""), int32(i))
		assert.LessOrEqual(t, cache.len(), 3)
	}
}

func TestStmtCacheGetRefreshesRecency(t *testing.T) {
	cache := newStmtCache(2)
	ka := stmtKey("A", "")
	kb := stmtKey("B", "")
	cache.put(ka, 1)
	cache.put(kb, 2)

	// Touch A so B becomes the eviction candidate.
	_, ok := cache.get(ka)
	assert.True(t, ok)

	evicted, has := cache.put(stmtKey("C", ""), 3)
	assert.True(t, has)
	assert.Equal(t, int32(2), evicted)

	_, ok = cache.get(ka)
	assert.True(t, ok, "A must survive")
	_, ok = cache.get(kb)
	assert.False(t, ok, "B was evicted")
}

func TestStmtCacheParameterSignature(t *testing.T) {
	// The same SQL with different parameter types is a different entry.
	cache := newStmtCache(10)
	cache.put(stmtKey("SELECT @p1", "int"), 1)
	cache.put(stmtKey("SELECT @p1", "nvarchar(10)"), 2)
	assert.Equal(t, 2, cache.len())

	h, ok := cache.get(stmtKey("SELECT @p1", "int"))
	assert.True(t, ok)
	assert.Equal(t, int32(1), h)
}

func TestStmtCacheNoNormalisation(t *testing.T) {
	// The fingerprint hashes the verbatim text.
	assert.NotEqual(t, stmtKey("SELECT 1", ""), stmtKey("select 1", ""))
	assert.NotEqual(t, stmtKey("SELECT 1", ""), stmtKey("SELECT  1", ""))
}

func TestStmtCacheClear(t *testing.T) {
	cache := newStmtCache(5)
	for i := 0; i < 5; i++ {
		cache.put(stmtKey(fmt.Sprintf("q%d", i), ""), int32(i))
	}
	cache.clear()
	assert.Equal(t, 0, cache.len())
	_, ok := cache.get(stmtKey("q0", ""))
	assert.False(t, ok)

	// Cache stays usable after a clear.
	cache.put(stmtKey("fresh", ""), 9)
	assert.Equal(t, 1, cache.len())
}
