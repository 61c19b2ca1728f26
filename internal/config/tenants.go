package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"
)

// Tenant is one configured bot. A nil RatePerSecond means the default rate applies;
// an explicit non-positive rate leaves the tenant unable to send until fixed.
type Tenant struct {
	ID            string   `yaml:"id" json:"id"`
	BotToken      string   `yaml:"bot_token" json:"-"`
	RatePerSecond *float64 `yaml:"rate_per_second" json:"rate_per_second,omitempty"`
	AdminChatIDs  []int64  `yaml:"admin_chat_ids" json:"admin_chat_ids,omitempty"`
}

type TenantsFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

// ReadTenants loads and validates the tenants file at path.
func ReadTenants(path string) (*TenantsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	file, err := ParseTenants(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// ParseTenants decodes YAML strictly: unknown keys, duplicate ids and trailing documents are rejected.
func ParseTenants(data []byte) (*TenantsFile, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var file TenantsFile
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return &file, nil
		}
		return nil, fmt.Errorf("parse tenants: %w", err)
	}
	var extra any
	if err := decoder.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse tenants: unexpected additional document")
	}

	seen := make(map[string]struct{}, len(file.Tenants))
	for i, tenant := range file.Tenants {
		id := strings.TrimSpace(tenant.ID)
		if id == "" {
			return nil, fmt.Errorf("tenants[%d]: id is required", i)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("tenants[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		file.Tenants[i].ID = id
		file.Tenants[i].BotToken = strings.TrimSpace(tenant.BotToken)
	}
	return &file, nil
}

// Directory is the live view of configured tenants.
type Directory struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

func NewDirectory() *Directory {
	return &Directory{tenants: make(map[string]Tenant)}
}

// Replace swaps the tenant set and returns the ids that were removed.
func (d *Directory) Replace(tenants []Tenant) []string {
	next := make(map[string]Tenant, len(tenants))
	for _, tenant := range tenants {
		next[tenant.ID] = tenant
	}

	d.mu.Lock()
	removed := make([]string, 0)
	for id := range d.tenants {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	d.tenants = next
	d.mu.Unlock()

	sort.Strings(removed)
	return removed
}

func (d *Directory) Get(tenantID string) (Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tenant, ok := d.tenants[tenantID]
	return tenant, ok
}

func (d *Directory) AdminChats(tenantID string) []int64 {
	tenant, ok := d.Get(tenantID)
	if !ok {
		return nil
	}
	return append([]int64(nil), tenant.AdminChatIDs...)
}
