// Package filestore persists entities under a directory: proxies as
// pipe-delimited text lines, connectors and tasks as JSON documents.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
	"proxyfleet/internal/store"
)

const (
	delimiter = "|"
	numFields = 13 // ID|ConnectorID|Key|Host|Port|Type|User|Pass|Status|CreatedAt|StatusChangedAt|LastConnectionAt|ForceRemoval

	proxiesFile    = "proxies.txt"
	connectorsFile = "connectors.json"
	tasksFile      = "tasks.json"
)

type FileStore struct {
	dir string
	mu  sync.Mutex

	connectors map[string]*types.Connector
	proxies    map[string]*types.Proxy // keyed by proxy ID
	tasks      map[string]*types.Task
}

func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	fs := &FileStore{
		dir:        dir,
		connectors: make(map[string]*types.Connector),
		proxies:    make(map[string]*types.Proxy),
		tasks:      make(map[string]*types.Task),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) ReadConnector(_ context.Context, id string) (*types.Connector, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c, ok := fs.connectors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (fs *FileStore) WriteConnector(_ context.Context, c *types.Connector) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.connectors[c.ID] = c.Clone()
	return fs.saveJSON(connectorsFile, fs.connectorList())
}

func (fs *FileStore) ReadConnectors(_ context.Context) ([]*types.Connector, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*types.Connector, 0, len(fs.connectors))
	for _, c := range fs.connectors {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (fs *FileStore) ReadProxies(_ context.Context, connectorID string) ([]*types.Proxy, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []*types.Proxy
	for _, p := range fs.proxies {
		if p.ConnectorID == connectorID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (fs *FileStore) WriteProxy(_ context.Context, p *types.Proxy) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.proxies[p.ID] = p.Clone()
	return fs.saveProxies()
}

func (fs *FileStore) DeleteProxy(_ context.Context, connectorID, proxyID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if p, ok := fs.proxies[proxyID]; !ok || p.ConnectorID != connectorID {
		return nil // already gone, deletion is idempotent
	}
	delete(fs.proxies, proxyID)
	return fs.saveProxies()
}

func (fs *FileStore) ReadTasks(_ context.Context, connectorID string) ([]*types.Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []*types.Task
	for _, t := range fs.tasks {
		if t.ConnectorID == connectorID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (fs *FileStore) WriteTask(_ context.Context, t *types.Task) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.tasks[t.ID] = t.Clone()
	return fs.saveJSON(tasksFile, fs.taskList())
}

func (fs *FileStore) Close() error { return nil }

// --- persistence ---

func (fs *FileStore) load() error {
	l := logger.WithComponent("Store/File")

	if err := loadJSONMap(filepath.Join(fs.dir, connectorsFile), fs.connectors, func(c *types.Connector) string { return c.ID }); err != nil {
		return err
	}
	if err := loadJSONMap(filepath.Join(fs.dir, tasksFile), fs.tasks, func(t *types.Task) string { return t.ID }); err != nil {
		return err
	}
	if err := fs.loadProxies(); err != nil {
		return err
	}

	l.Info().
		Int("connectors", len(fs.connectors)).
		Int("proxies", len(fs.proxies)).
		Int("tasks", len(fs.tasks)).
		Msg("Store loaded.")
	return nil
}

func loadJSONMap[T any](path string, into map[string]*T, key func(*T) string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var list []*T
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	for _, item := range list {
		into[key(item)] = item
	}
	return nil
}

func (fs *FileStore) saveJSON(name string, list interface{}) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(fs.dir, name), data)
}

func (fs *FileStore) connectorList() []*types.Connector {
	out := make([]*types.Connector, 0, len(fs.connectors))
	for _, c := range fs.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (fs *FileStore) taskList() []*types.Task {
	out := make([]*types.Task, 0, len(fs.tasks))
	for _, t := range fs.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (fs *FileStore) loadProxies() error {
	l := logger.WithComponent("Store/File")

	file, err := os.Open(filepath.Join(fs.dir, proxiesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in proxy file.")
			continue
		}
		p, err := parseProxy(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse proxy line, skipping.")
			continue
		}
		fs.proxies[p.ID] = p
	}
	return scanner.Err()
}

func (fs *FileStore) saveProxies() error {
	list := make([]*types.Proxy, 0, len(fs.proxies))
	for _, p := range fs.proxies {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	var b strings.Builder
	for _, p := range list {
		b.WriteString(formatProxy(p))
		b.WriteByte('\n')
	}
	return writeFileAtomic(filepath.Join(fs.dir, proxiesFile), []byte(b.String()))
}

func formatProxy(p *types.Proxy) string {
	var user, pass string
	if p.Auth != nil {
		user, pass = p.Auth.Username, p.Auth.Password
	}
	return strings.Join([]string{
		p.ID,
		p.ConnectorID,
		p.Key,
		p.Host,
		strconv.Itoa(p.Port),
		p.Type,
		user,
		pass,
		string(p.Status),
		formatTime(p.CreatedAt),
		formatTime(p.StatusChangedAt),
		formatTime(p.LastConnectionAt),
		strconv.FormatBool(p.ForceRemoval),
	}, delimiter)
}

func parseProxy(fields []string) (*types.Proxy, error) {
	port, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", fields[4], err)
	}
	createdAt, err := parseTime(fields[9])
	if err != nil {
		return nil, err
	}
	statusChangedAt, err := parseTime(fields[10])
	if err != nil {
		return nil, err
	}
	lastConnectionAt, err := parseTime(fields[11])
	if err != nil {
		return nil, err
	}
	forceRemoval, _ := strconv.ParseBool(fields[12])

	p := &types.Proxy{
		ID:               fields[0],
		ConnectorID:      fields[1],
		Key:              fields[2],
		Host:             fields[3],
		Port:             port,
		Type:             fields[5],
		Status:           types.ProxyStatus(fields[8]),
		CreatedAt:        createdAt,
		StatusChangedAt:  statusChangedAt,
		LastConnectionAt: lastConnectionAt,
		ForceRemoval:     forceRemoval,
	}
	if fields[6] != "" {
		p.Auth = &types.ProxyAuth{Username: fields[6], Password: fields[7]}
	}
	return p, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
