package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RootKey 是应用根路径对应的哨兵 key，与同名文件路径互不冲突。
const RootKey = "/"

// Manifest 描述一次构建产物：resource key → 指纹，以及启动所需的 core 子集。
// 加载完成后视为只读，多个 goroutine 可并发读取。
type Manifest struct {
	Resources map[string]string
	Core      []string
	Version   string
}

// Record 是上一次成功 reconcile 时持久化的 key → 指纹映射。
type Record map[string]string

// fileFormat 对应磁盘上的 manifest 文件结构，JSON/YAML 共用。
type fileFormat struct {
	Resources map[string]string `json:"resources" yaml:"resources"`
	Core      []string          `json:"core" yaml:"core"`
}

// New 复制输入并计算版本号，返回经过校验的 Manifest。
func New(resources map[string]string, core []string) (*Manifest, error) {
	m := &Manifest{
		Resources: make(map[string]string, len(resources)),
		Core:      append([]string(nil), core...),
	}
	for key, fingerprint := range resources {
		m.Resources[key] = fingerprint
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Version = computeVersion(m.Resources, m.Core)
	return m, nil
}

// Load 读取构建步骤产出的 manifest 文件，按扩展名选择 JSON 或 YAML 解析。
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var raw fileFormat
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode manifest yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode manifest json: %w", err)
		}
	}
	return New(raw.Resources, raw.Core)
}

// Validate 保证 key 合法且 core 中的每一项都属于 Resources。
func (m *Manifest) Validate() error {
	if m == nil {
		return errors.New("manifest is nil")
	}
	if len(m.Resources) == 0 {
		return errors.New("manifest has no resources")
	}
	for key, fingerprint := range m.Resources {
		if key == "" {
			return errors.New("manifest contains empty resource key")
		}
		if fingerprint == "" {
			return fmt.Errorf("resource %q has empty fingerprint", key)
		}
	}
	seen := make(map[string]struct{}, len(m.Core))
	for _, key := range m.Core {
		if _, ok := m.Resources[key]; !ok {
			return fmt.Errorf("core resource %q is not in manifest", key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("core resource %q listed twice", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Contains 判断 key 是否为受管资源。
func (m *Manifest) Contains(key string) bool {
	_, ok := m.Resources[key]
	return ok
}

// Fingerprint 返回 key 对应的指纹。
func (m *Manifest) Fingerprint(key string) (string, bool) {
	fingerprint, ok := m.Resources[key]
	return fingerprint, ok
}

// Keys 返回排序后的全部 key，保证遍历顺序稳定。
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.Resources))
	for key := range m.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Record 生成用于持久化的映射副本。
func (m *Manifest) Record() Record {
	rec := make(Record, len(m.Resources))
	for key, fingerprint := range m.Resources {
		rec[key] = fingerprint
	}
	return rec
}

// Encode 将 Record 序列化为 JSON，作为 manifest-record 区域的单个条目正文。
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(map[string]string(r))
}

// DecodeRecord 解析 manifest-record 条目正文。
func DecodeRecord(reader io.Reader) (Record, error) {
	var rec Record
	if err := json.NewDecoder(reader).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode manifest record: %w", err)
	}
	if rec == nil {
		return nil, errors.New("manifest record is null")
	}
	return rec, nil
}

func computeVersion(resources map[string]string, core []string) string {
	keys := make([]string, 0, len(resources))
	for key := range resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, key := range keys {
		fmt.Fprintf(h, "%s\x00%s\n", key, resources[key])
	}
	h.Write([]byte("core\n"))
	for _, key := range core {
		fmt.Fprintf(h, "%s\n", key)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
