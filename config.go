package accessctl

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog is the explicit value describing a deployment's baseline roles,
// actions and authorizations. It replaces any notion of a process-wide
// registry: a catalog is constructed (or loaded) once and handed to the
// engine's seeding routines.
type Catalog struct {
	Version        uint16                 `json:"version" yaml:"version"`
	Roles          []CatalogRole          `json:"roles" yaml:"roles"`
	Actions        []CatalogAction        `json:"actions" yaml:"actions"`
	Authorizations []CatalogAuthorization `json:"authorizations" yaml:"authorizations"`
	Engine         EngineConfig           `json:"engine" yaml:"engine"`
}

type CatalogRole struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Definition is FireRole source; empty means explicit membership only.
	Definition string `json:"definition,omitempty" yaml:"definition,omitempty"`
}

type CatalogAction struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Optional    bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type CatalogAuthorization struct {
	Role     string            `json:"role" yaml:"role"`
	Action   string            `json:"action" yaml:"action"`
	Args     map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
	Optional bool              `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// EngineConfig carries the tunables an operator may set per deployment.
type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// WithEngineConfig applies operator tunables to the engine.
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) error {
		if cfg.DecisionCacheTTL > 0 {
			e.decisionTTL = time.Duration(cfg.DecisionCacheTTL) * time.Millisecond
		}
		if cfg.RistrettoNumCounter > 0 {
			e.ristrettoNumCounters = cfg.RistrettoNumCounter
		}
		if cfg.RistrettoMaxCost > 0 {
			e.ristrettoMaxCost = cfg.RistrettoMaxCost
		}
		if cfg.RistrettoBuffer > 0 {
			e.ristrettoBuffer = cfg.RistrettoBuffer
		}
		return nil
	}
}

// DefaultCatalog is the baseline a fresh digital-library deployment is
// seeded with: the reserved super-role, the built-in visitor roles and the
// library actions the surrounding application authorizes against.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Version: 1,
		Roles: []CatalogRole{
			{Name: SuperRoleName, Description: "full control of the access system"},
			{Name: "anyuser", Description: "any visitor, guest or not", Definition: "allow any"},
			{Name: "authenticateduser", Description: "any logged-in user", Definition: "deny uid '0'\nallow any"},
			{Name: "submitters", Description: "users allowed to run submissions"},
			{Name: "referees", Description: "users refereeing submitted records"},
			{Name: "archiveadmins", Description: "curators of the record archive"},
		},
		Actions: []CatalogAction{
			{Name: "viewrestrcoll", Description: "view a restricted collection", Keywords: []string{"collection"}},
			{Name: "submit", Description: "run a submission", Keywords: []string{"doctype", "act"}},
			{Name: "referee", Description: "referee a submitted record", Keywords: []string{"doctype", "categ"}},
			{Name: "editrecord", Description: "edit archived records", Keywords: []string{"collection"}},
			{Name: "viewrestrdoc", Description: "view a restricted document", Keywords: []string{"status"}, Optional: true},
			{Name: "cfgwebaccess", Description: "administer the access engine"},
		},
		Authorizations: []CatalogAuthorization{
			{Role: "archiveadmins", Action: "editrecord", Args: map[string]string{"collection": Wildcard}},
			{Role: "archiveadmins", Action: "viewrestrdoc", Optional: true},
		},
	}
}

// ConfigLoader loads catalogs from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Catalog, error) {
	cat := &Catalog{}
	if err := yaml.Unmarshal(data, cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Catalog, error) {
	cat := &Catalog{}
	if err := json.Unmarshal(data, cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// LoadBinary loads the compact binary catalog format.
func (l *ConfigLoader) LoadBinary(data []byte) (*Catalog, error) {
	return decodeBinaryCatalog(data)
}

// ToYAML exports the catalog to YAML.
func (c *Catalog) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports the catalog to indented JSON.
func (c *Catalog) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate compiles every role definition and cross-checks authorization
// references before a catalog is applied.
func (c *Catalog) Validate() error {
	actions := make(map[string]*CatalogAction, len(c.Actions))
	for i := range c.Actions {
		actions[c.Actions[i].Name] = &c.Actions[i]
	}
	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return validationErr("catalog", "role with empty name")
		}
		if _, dup := roles[r.Name]; dup {
			return validationErr("catalog", "duplicate role %q", r.Name)
		}
		roles[r.Name] = struct{}{}
		if _, err := Compile(r.Definition); err != nil {
			return err
		}
	}
	for _, a := range c.Authorizations {
		if _, ok := roles[a.Role]; !ok {
			return validationErr("catalog", "authorization references unknown role %q", a.Role)
		}
		action, ok := actions[a.Action]
		if !ok {
			return validationErr("catalog", "authorization references unknown action %q", a.Action)
		}
		if a.Optional && !action.Optional {
			return validationErr("catalog", "action %q does not accept an optional grant", a.Action)
		}
		for kw := range a.Args {
			found := false
			for _, allowed := range action.Keywords {
				if allowed == kw {
					found = true
					break
				}
			}
			if !found {
				return validationErr("catalog", "keyword %q not allowed for action %q", kw, a.Action)
			}
		}
	}
	return nil
}

// Binary catalog format: magic + version + length-prefixed sections.
const (
	catalogMagic   = 0x41434154 // "ACAT"
	catalogVersion = 1
)

// ToBinary encodes the catalog to the compact binary format.
func (c *Catalog) ToBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint32(catalogMagic))
	binary.Write(buf, binary.LittleEndian, uint16(catalogVersion))
	binary.Write(buf, binary.LittleEndian, c.Version)

	binary.Write(buf, binary.LittleEndian, uint16(len(c.Roles)))
	for _, r := range c.Roles {
		writeStr(buf, r.Name)
		writeStr(buf, r.Description)
		writeStr(buf, r.Definition)
	}

	binary.Write(buf, binary.LittleEndian, uint16(len(c.Actions)))
	for _, a := range c.Actions {
		writeStr(buf, a.Name)
		writeStr(buf, a.Description)
		binary.Write(buf, binary.LittleEndian, uint8(len(a.Keywords)))
		for _, kw := range a.Keywords {
			writeStr(buf, kw)
		}
		writeBool(buf, a.Optional)
	}

	binary.Write(buf, binary.LittleEndian, uint16(len(c.Authorizations)))
	for _, auth := range c.Authorizations {
		writeStr(buf, auth.Role)
		writeStr(buf, auth.Action)
		keys := make([]string, 0, len(auth.Args))
		for k := range auth.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		binary.Write(buf, binary.LittleEndian, uint8(len(keys)))
		for _, k := range keys {
			writeStr(buf, k)
			writeStr(buf, auth.Args[k])
		}
		writeBool(buf, auth.Optional)
	}

	binary.Write(buf, binary.LittleEndian, c.Engine.DecisionCacheTTL)
	binary.Write(buf, binary.LittleEndian, c.Engine.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, c.Engine.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, c.Engine.RistrettoBuffer)
	return buf.Bytes(), nil
}

func decodeBinaryCatalog(data []byte) (*Catalog, error) {
	r := bytes.NewReader(data)
	var magic uint32
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != catalogMagic {
		return nil, &CorruptionError{Msg: "bad catalog magic"}
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil || version != catalogVersion {
		return nil, &CorruptionError{Msg: "unsupported catalog version"}
	}
	cat := &Catalog{}
	if err := binary.Read(r, binary.LittleEndian, &cat.Version); err != nil {
		return nil, &CorruptionError{Msg: "truncated catalog"}
	}

	var roleCount uint16
	if err := binary.Read(r, binary.LittleEndian, &roleCount); err != nil {
		return nil, &CorruptionError{Msg: "truncated catalog"}
	}
	cat.Roles = make([]CatalogRole, roleCount)
	for i := range cat.Roles {
		var ok bool
		if cat.Roles[i].Name, ok = readStr(r); !ok {
			return nil, &CorruptionError{Msg: "truncated role"}
		}
		if cat.Roles[i].Description, ok = readStr(r); !ok {
			return nil, &CorruptionError{Msg: "truncated role"}
		}
		if cat.Roles[i].Definition, ok = readStr(r); !ok {
			return nil, &CorruptionError{Msg: "truncated role"}
		}
	}

	var actionCount uint16
	if err := binary.Read(r, binary.LittleEndian, &actionCount); err != nil {
		return nil, &CorruptionError{Msg: "truncated catalog"}
	}
	cat.Actions = make([]CatalogAction, actionCount)
	for i := range cat.Actions {
		a := &cat.Actions[i]
		var ok bool
		if a.Name, ok = readStr(r); !ok {
			return nil, &CorruptionError{Msg: "truncated action"}
		}
		if a.Description, ok = readStr(r); !ok {
			return nil, &CorruptionError{Msg: "truncated action"}
		}
		var kwCount uint8
		if err := binary.Read(r, binary.LittleEndian, &kwCount); err != nil {
			return nil, &CorruptionError{Msg: "truncated action"}
		}
		if kwCount > 0 {
			a.Keywords = make([]string, kwCount)
		}
		for j := range a.Keywords {
			if a.Keywords[j], ok = readStr(r); !ok {
				return nil, &CorruptionError{Msg: "truncated action"}
			}
		}
		if a.Optional, ok = readBool(r); !ok {
			return nil, &CorruptionError{Msg: "truncated action"}
		}
	}

	var authCount uint16
	if err := binary.Read(r, binary.LittleEndian, &authCount); err != nil {
		return nil, &CorruptionError{Msg: "truncated catalog"}
	}
	cat.Authorizations = make([]CatalogAuthorization, authCount)
	for i := range cat.Authorizations {
		a := &cat.Authorizations[i]
		var ok bool
		if a.Role, ok = readStr(r); !ok {
			return nil, &CorruptionError{Msg: "truncated authorization"}
		}
		if a.Action, ok = readStr(r); !ok {
			return nil, &CorruptionError{Msg: "truncated authorization"}
		}
		var argCount uint8
		if err := binary.Read(r, binary.LittleEndian, &argCount); err != nil {
			return nil, &CorruptionError{Msg: "truncated authorization"}
		}
		if argCount > 0 {
			a.Args = make(map[string]string, argCount)
		}
		for j := 0; j < int(argCount); j++ {
			k, ok := readStr(r)
			if !ok {
				return nil, &CorruptionError{Msg: "truncated authorization"}
			}
			v, ok := readStr(r)
			if !ok {
				return nil, &CorruptionError{Msg: "truncated authorization"}
			}
			a.Args[k] = v
		}
		if a.Optional, ok = readBool(r); !ok {
			return nil, &CorruptionError{Msg: "truncated authorization"}
		}
	}

	binary.Read(r, binary.LittleEndian, &cat.Engine.DecisionCacheTTL)
	binary.Read(r, binary.LittleEndian, &cat.Engine.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cat.Engine.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cat.Engine.RistrettoBuffer)
	return cat, nil
}
