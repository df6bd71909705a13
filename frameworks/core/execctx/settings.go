package execctx

import (
	"sort"
	"strings"
)

// Kind is the propagation behaviour of a data key.
type Kind uint8

const (
	None Kind = iota
	Down
	Up
	DownAndUp
)

func (k Kind) IsDown() bool { return k == Down || k == DownAndUp }

func (k Kind) IsUp() bool { return k == Up || k == DownAndUp }

func (k Kind) String() string {
	switch k {
	case Down:
		return "DOWN"
	case Up:
		return "UP"
	case DownAndUp:
		return "DOWN_AND_UP"
	default:
		return "NONE"
	}
}

// Level is how far a key propagates in one direction.
type Level uint8

const (
	LevelNone Level = iota
	// LevelLocal propagates within the process.
	LevelLocal
	// LevelGlobal additionally propagates through remote correlation headers.
	LevelGlobal
)

// ParseLevel accepts "none", "local" and "global"; anything else is LevelNone.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "local", "process":
		return LevelLocal
	case "global":
		return LevelGlobal
	default:
		return LevelNone
	}
}

func (l Level) String() string {
	switch l {
	case LevelLocal:
		return "local"
	case LevelGlobal:
		return "global"
	default:
		return "none"
	}
}

type KeySettings struct {
	Down Level
	Up   Level
	Tag  bool
}

func (s KeySettings) Kind() Kind {
	switch {
	case s.Down != LevelNone && s.Up != LevelNone:
		return DownAndUp
	case s.Down != LevelNone:
		return Down
	case s.Up != LevelNone:
		return Up
	default:
		return None
	}
}

const (
	DownHeaderPrefix = "Goagent-Down-"
	UpHeaderPrefix   = "Goagent-Up-"
)

// Settings is the immutable propagation view of the data settings. A Manager swaps
// whole Settings values when the configuration changes.
type Settings struct {
	keys       map[string]KeySettings
	commonTags map[string]any
	tagKeys    []string

	downGlobal  []string
	upGlobal    []string
	downHeaders map[string]string
	upHeaders   map[string]string
}

// NewSettings builds the propagation view. Common tags are readable from every root
// context and propagate down unless a key setting says otherwise.
func NewSettings(keys map[string]KeySettings, commonTags map[string]string) *Settings {
	s := &Settings{
		keys:        make(map[string]KeySettings, len(keys)+len(commonTags)),
		commonTags:  make(map[string]any, len(commonTags)),
		downHeaders: make(map[string]string),
		upHeaders:   make(map[string]string),
	}
	for k, v := range commonTags {
		s.commonTags[k] = v
		s.keys[k] = KeySettings{Down: LevelLocal, Tag: true}
	}
	for k, v := range keys {
		s.keys[k] = v
	}
	for k, v := range s.keys {
		if v.Tag {
			s.tagKeys = append(s.tagKeys, k)
		}
		if v.Down == LevelGlobal {
			s.downGlobal = append(s.downGlobal, k)
			s.downHeaders[strings.ToLower(DownHeaderPrefix+k)] = k
		}
		if v.Up == LevelGlobal {
			s.upGlobal = append(s.upGlobal, k)
			s.upHeaders[strings.ToLower(UpHeaderPrefix+k)] = k
		}
	}
	sort.Strings(s.tagKeys)
	sort.Strings(s.downGlobal)
	sort.Strings(s.upGlobal)
	return s
}

var emptySettings = NewSettings(nil, nil)

func (s *Settings) Kind(key string) Kind {
	return s.keys[key].Kind()
}

// TagKeys returns the sorted keys flagged as metric tags.
func (s *Settings) TagKeys() []string {
	return s.tagKeys
}

func (s *Settings) IsTag(key string) bool {
	return s.keys[key].Tag
}
