// Package sandbox is an in-process stand-in for the platform payment
// framework. It backs the gateway binary in local development and the tests.
package sandbox

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

// catalogFile is the on-disk layout read by LoadCatalog.
//
//	products:
//	  - id: com.app.coins100
//	    title: 100 Coins
//	    price: 0.99
//	    currency_code: USD
//	    kind: consumable
//	  - id: com.app.broken
//	    fail: true
//	max_quantity: 10
type catalogFile struct {
	Products    []catalogEntry `yaml:"products"`
	MaxQuantity int            `yaml:"max_quantity"`
	FailRestore bool           `yaml:"fail_restore"`
}

type catalogEntry struct {
	storekit.Product `yaml:",inline"`
	Fail             bool `yaml:"fail"`
}

// Catalog is the sandbox product information service.
type Catalog struct {
	mu          sync.RWMutex
	products    map[string]catalogEntry
	lookupErr   error
	refreshErr  error
	requests    int
	maxQuantity int
	failRestore bool
}

var _ storekit.ProductRequester = (*Catalog)(nil)
var _ storekit.ReceiptRefresher = (*Catalog)(nil)

func NewCatalog(products ...storekit.Product) *Catalog {
	c := &Catalog{products: make(map[string]catalogEntry, len(products))}
	for _, p := range products {
		c.products[p.ID] = catalogEntry{Product: p}
	}
	return c
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("sandbox: parse catalog: %w", err)
	}

	c := &Catalog{
		products:    make(map[string]catalogEntry, len(file.Products)),
		maxQuantity: file.MaxQuantity,
		failRestore: file.FailRestore,
	}
	for _, e := range file.Products {
		if e.ID == "" {
			return nil, fmt.Errorf("sandbox: catalog entry without id")
		}
		if e.CurrencyCode == "" {
			e.CurrencyCode = "USD"
		}
		if e.Kind == "" {
			e.Kind = storekit.KindConsumable
		}
		c.products[e.ID] = e
	}
	return c, nil
}

// MarkFailing makes every payment for a known product end in the failed
// state. Payments for unknown products always fail.
func (c *Catalog) MarkFailing(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.products[id]; ok {
		e.Fail = true
		c.products[id] = e
	}
}

// SetLookupError makes RequestProducts fail with err (nil restores lookups).
func (c *Catalog) SetLookupError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupErr = err
}

// SetRefreshError makes RefreshReceipt fail with err.
func (c *Catalog) SetRefreshError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshErr = err
}

// Requests reports how many lookups reached the catalog.
func (c *Catalog) Requests() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requests
}

func (c *Catalog) Product(id string) (storekit.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.products[id]
	if !ok {
		return storekit.Product{}, false
	}
	return e.Product, true
}

func (c *Catalog) shouldFail(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.products[id]
	return !ok || e.Fail
}

func (c *Catalog) RequestProducts(ids []string, done func(storekit.ProductsResponse, error)) {
	c.mu.Lock()
	c.requests++
	lookupErr := c.lookupErr
	c.mu.Unlock()

	go func() {
		if lookupErr != nil {
			done(storekit.ProductsResponse{}, lookupErr)
			return
		}

		var resp storekit.ProductsResponse
		for _, id := range ids {
			if p, ok := c.Product(id); ok {
				resp.Products = append(resp.Products, p)
			} else {
				resp.InvalidIdentifiers = append(resp.InvalidIdentifiers, id)
			}
		}
		done(resp, nil)
	}()
}

func (c *Catalog) RefreshReceipt(_ map[string]any, done func(error)) {
	c.mu.RLock()
	err := c.refreshErr
	c.mu.RUnlock()

	go done(err)
}
