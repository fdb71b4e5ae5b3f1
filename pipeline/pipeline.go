// Package pipeline wires lower and assemble into the end-to-end compiler
// spec §4 describes: for each function in a wat.Module, lower it to
// assembly text for the chosen architecture, then assemble that text into
// machine code. cmd/watc is the only caller.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	goruntime "runtime"
	"sync"

	"github.com/tetratelabs/watnative/assemble"
	"github.com/tetratelabs/watnative/diag"
	"github.com/tetratelabs/watnative/lower"
	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

// Result is one function's compiled output.
type Result struct {
	Function string
	Assembly string
	Code     []byte
}

// Cache is an in-memory, per-process cache of previously-assembled
// function bodies keyed by a content hash of (architecture, function AST),
// grounded on the teacher's own engine_cache.go compilation cache — except
// unlike the teacher's disk-backed cache, this one holds nothing past the
// owning process's lifetime, matching spec §6's "Persisted state: None".
type Cache struct {
	mu      sync.Mutex
	entries map[string]Result
}

// NewCache returns an empty Cache. A nil *Cache is valid to pass to
// Compile and simply disables caching.
func NewCache() *Cache {
	return &Cache{entries: map[string]Result{}}
}

func (c *Cache) get(key string) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	return r, ok
}

func (c *Cache) put(key string, r Result) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = r
}

func cacheKey(arch target.Name, fn *wat.Function) (string, error) {
	b, err := json.Marshal(fn)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(arch+"\x00"), b...))
	return hex.EncodeToString(sum[:]), nil
}

// Compile lowers and assembles every function in mod for arch, one
// function per bounded worker-pool goroutine (spec §5: "independent
// threads provided each thread holds its own mutable state"; each worker
// here only ever touches its own Result slot and the shared Cache, which
// is itself safe for concurrent use). Results are returned in the
// functions' original order regardless of completion order.
func Compile(ctx context.Context, mod *wat.Module, arch target.Name, cache *Cache) ([]Result, error) {
	lowerFn, ok := lowerers[arch]
	if !ok {
		return nil, &diag.Error{Kind: diag.MalformedInput, Message: fmt.Sprintf("unknown target %q", arch)}
	}

	n := len(mod.Functions)
	results := make([]Result, n)
	errs := make([]error, n)

	workers := goruntime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				select {
				case <-ctx.Done():
					errs[i] = ctx.Err()
					continue
				default:
				}
				results[i], errs[i] = compileOne(mod, &mod.Functions[i], arch, lowerFn, cache)
			}
		}()
	}
	for i := range mod.Functions {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func compileOne(mod *wat.Module, fn *wat.Function, arch target.Name, lowerFn lowerFunc, cache *Cache) (Result, error) {
	key, err := cacheKey(arch, fn)
	if err == nil {
		if r, ok := cache.get(key); ok {
			return r, nil
		}
	}

	asm, err := lowerFn(mod, fn)
	if err != nil {
		return Result{}, err
	}
	code, err := assemble.Assemble(arch, asm)
	if err != nil {
		return Result{}, err
	}
	r := Result{Function: fn.Name, Assembly: asm, Code: code}
	if err == nil {
		cache.put(key, r)
	}
	return r, nil
}

type lowerFunc func(mod *wat.Module, fn *wat.Function) (string, error)

var lowerers = map[target.Name]lowerFunc{
	target.X86_64: lower.LowerAMD64,
	target.X86_32: lower.LowerX86_32,
	target.X86_16: lower.LowerX86_16,
	target.ARM64:  lower.LowerARM64,
	target.ARM32:  lower.LowerARM32,
}
