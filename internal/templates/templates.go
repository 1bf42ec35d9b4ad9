// Package templates loads chat starters: a persona with a seed conversation
// that a session can begin from.
package templates

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/comigor/chatrelay/internal/history"
)

// Random is the template name that picks any stored template.
const Random = "random"

var (
	ErrNotFound    = errors.New("template not found")
	ErrNoTemplates = errors.New("no templates found")
)

// Template is a chat starter as saved by the template creator.
type Template struct {
	Name         string               `json:"name"`
	SystemPrompt string               `json:"systemPrompt"`
	IntroText    string               `json:"introText"`
	Avatar       string               `json:"avatar,omitempty"`
	Messages     history.Conversation `json:"messages"`
}

// Conversation returns the seed conversation for a session starting from t.
// A system prompt is placed first unless the messages already start with one.
func (t *Template) Conversation(fallbackPrompt string) history.Conversation {
	conv := make(history.Conversation, 0, len(t.Messages)+1)
	if len(t.Messages) == 0 || t.Messages[0].Role != history.RoleSystem {
		prompt := t.SystemPrompt
		if prompt == "" {
			prompt = fallbackPrompt
		}
		conv = append(conv, history.Message{Role: history.RoleSystem, Content: prompt})
	}
	return append(conv, t.Messages...)
}

// FileID derives the stored object id: the alphanumeric part of the name plus a unix timestamp.
func FileID(name string, now time.Time) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, name)
	if sanitized == "" {
		sanitized = "template"
	}
	return fmt.Sprintf("%s-%d", sanitized, now.Unix())
}

// Store reads templates from one directory of <name>.json files.
type Store struct {
	dir string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Names lists the stored template names in order.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Load reads the named template, or a random one for Random.
func (s *Store) Load(name string) (*Template, error) {
	if name == Random {
		names, err := s.Names()
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, ErrNoTemplates
		}
		name = names[rand.Intn(len(names))]
	}

	id, err := history.SanitizeID(name)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decode(id, data)
}

// Decode accepts either a full template object or a bare message array.
func Decode(name string, data []byte) (*Template, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var msgs history.Conversation
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("decode template %s: %w", name, err)
		}
		return &Template{Name: name, Messages: msgs}, nil
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", name, err)
	}
	if t.Name == "" {
		t.Name = name
	}
	return &t, nil
}
