package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed styles.yaml
var builtin []byte

// ErrUnknownStyle is returned when a style id is not in the catalog.
var ErrUnknownStyle = errors.New("unknown style")

// Mode distinguishes single-voice roles from multi-turn discussion scenes.
type Mode string

const (
	ModeRole       Mode = "role"
	ModeDiscussion Mode = "discussion"
)

// CustomID is the id of the user-editable style.
const CustomID = "custom"

// DayDiscussionID selects the day-discussion script framing.
const DayDiscussionID = "discussion_day"

// Style is an immutable catalog entry.
type Style struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Mode         Mode   `yaml:"mode" json:"mode"`
	Description  string `yaml:"description" json:"description"`
	DefaultVoice string `yaml:"default_voice" json:"default_voice"`
	TemplateText string `yaml:"template_text" json:"template_text"`
	Color        string `yaml:"color" json:"color"`
	Icon         string `yaml:"icon" json:"icon"`
	AvatarSrc    string `yaml:"avatar_src,omitempty" json:"avatar_src,omitempty"`
	AudioSrc     string `yaml:"audio_src,omitempty" json:"audio_src,omitempty"`
}

func (s Style) IsDiscussion() bool { return s.Mode == ModeDiscussion }

func (s Style) IsCustom() bool { return s.ID == CustomID }

type Voice struct {
	Name   string `yaml:"name" json:"name"`
	Gender string `yaml:"gender" json:"ssml_gender"`
}

type Language struct {
	Name string `yaml:"name" json:"name"`
	Code string `yaml:"code" json:"code"`
}

type document struct {
	Styles    []Style    `yaml:"styles"`
	Custom    Style      `yaml:"custom"`
	Voices    []Voice    `yaml:"voices"`
	Languages []Language `yaml:"languages"`
}

// Catalog holds the styles, voices and languages loaded at process start.
type Catalog struct {
	styles    []Style
	byID      map[string]int
	custom    Style
	voices    []Voice
	languages []Language
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("builtin style catalog: %v", err))
	}
	return c
}

// Load reads a catalog file from disk. An empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read style catalog: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse style catalog: %w", err)
	}
	if err := Validate(doc.Styles, doc.Custom); err != nil {
		return nil, err
	}
	c := &Catalog{
		styles:    doc.Styles,
		byID:      make(map[string]int, len(doc.Styles)),
		custom:    doc.Custom,
		voices:    doc.Voices,
		languages: doc.Languages,
	}
	for i, s := range doc.Styles {
		c.byID[s.ID] = i
	}
	return c, nil
}

// Validate ensures the style list is usable.
func Validate(styles []Style, custom Style) error {
	if len(styles) == 0 {
		return errors.New("catalog must declare at least one style")
	}
	seen := make(map[string]bool, len(styles))
	roles := 0
	for _, s := range styles {
		if s.ID == "" {
			return errors.New("style id is required")
		}
		if s.ID == CustomID {
			return fmt.Errorf("style id %q is reserved", CustomID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate style id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.Mode {
		case ModeRole:
			roles++
		case ModeDiscussion:
		default:
			return fmt.Errorf("style %q: mode %q not supported", s.ID, s.Mode)
		}
		if s.DefaultVoice == "" {
			return fmt.Errorf("style %q: default_voice is required", s.ID)
		}
	}
	if roles == 0 {
		return errors.New("catalog must declare at least one role style")
	}
	if custom.ID != CustomID {
		return fmt.Errorf("custom style must have id %q", CustomID)
	}
	if custom.Mode != ModeRole {
		return errors.New("custom style must be a role style")
	}
	if custom.DefaultVoice == "" {
		return errors.New("custom style: default_voice is required")
	}
	return nil
}

// Styles returns the catalog styles in declaration order, excluding the custom entry.
func (c *Catalog) Styles() []Style {
	return append([]Style(nil), c.styles...)
}

// First returns the first declared style, used as the initial session selection.
func (c *Catalog) First() Style {
	return c.styles[0]
}

// Lookup finds a style by id, including the custom entry.
func (c *Catalog) Lookup(id string) (Style, error) {
	if id == CustomID {
		return c.custom, nil
	}
	i, ok := c.byID[id]
	if !ok {
		return Style{}, fmt.Errorf("%w: %q", ErrUnknownStyle, id)
	}
	return c.styles[i], nil
}

func (c *Catalog) Custom() Style { return c.custom }

// Roles returns the role-type styles in declaration order.
func (c *Catalog) Roles() []Style {
	var out []Style
	for _, s := range c.styles {
		if s.Mode == ModeRole {
			out = append(out, s)
		}
	}
	return out
}

// RoleIDs lists the identifiers a generated script may reference.
func (c *Catalog) RoleIDs() []string {
	roles := c.Roles()
	ids := make([]string, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	return ids
}

// ResolveRole maps a script role id to a role style. Unknown or non-role ids
// fall back to the first role style; matched reports whether the id was found.
func (c *Catalog) ResolveRole(id string) (style Style, matched bool) {
	if i, ok := c.byID[id]; ok && c.styles[i].Mode == ModeRole {
		return c.styles[i], true
	}
	return c.Roles()[0], false
}

func (c *Catalog) Voices() []Voice {
	return append([]Voice(nil), c.voices...)
}

func (c *Catalog) Languages() []Language {
	return append([]Language(nil), c.languages...)
}
