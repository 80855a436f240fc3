package router

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// overridesSchema validates the overrides file before any of it is applied:
// a map from agent tag to a list of extra keywords.
const overridesSchema = `{
	"type": "object",
	"properties": {
		"agents": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"keywords": {
						"type": "array",
						"items": {"type": "string", "minLength": 1}
					}
				},
				"required": ["keywords"],
				"additionalProperties": false
			}
		}
	},
	"required": ["agents"],
	"additionalProperties": false
}`

type overridesFile struct {
	Agents map[string]struct {
		Keywords []string `json:"keywords"`
	} `json:"agents"`
}

// LoadOverrides reads, validates, and applies a keyword overrides file.
// A file that fails schema validation or names an unknown agent is rejected
// whole; the router keeps its previous keyword layer.
func (r *Router) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read overrides file: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(overridesSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("failed to validate overrides file: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("overrides file invalid: %s", result.Errors()[0].String())
	}

	var parsed overridesFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse overrides file: %w", err)
	}

	overrides := make(map[AgentTag][]string, len(parsed.Agents))
	for name, entry := range parsed.Agents {
		tag := AgentTag(name)
		if !ValidTag(tag) || tag == TagGeneral {
			return fmt.Errorf("overrides file names unknown agent %q", name)
		}
		overrides[tag] = entry.Keywords
	}

	r.SetOverrides(overrides)
	return nil
}

// OverridesWatcher hot-reloads the overrides file on change. A bad edit is
// logged and ignored; the last valid layer stays active.
type OverridesWatcher struct {
	router  *Router
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	done    chan struct{}
}

// WatchOverrides loads the file once and starts watching it for changes.
func WatchOverrides(r *Router, path string, logger zerolog.Logger) (*OverridesWatcher, error) {
	if err := r.LoadOverrides(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch overrides file: %w", err)
	}

	w := &OverridesWatcher{
		router:  r,
		path:    path,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.loop()

	logger.Info().Str("path", path).Msg("Watching router overrides")
	return w, nil
}

func (w *OverridesWatcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.router.LoadOverrides(w.path); err != nil {
				w.logger.Warn().Err(err).Msg("Rejected overrides reload")
				continue
			}
			w.logger.Info().Str("path", w.path).Msg("Router overrides reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Overrides watcher error")
		}
	}
}

// Close stops the watcher.
func (w *OverridesWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
