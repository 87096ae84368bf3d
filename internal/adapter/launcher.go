package adapter

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mmcdole/kinotv/internal/domain"
)

// urlTokens are the placeholders replaced by the stream address, in match order.
var urlTokens = []string{"{URL}", "{url}", "URL"}

// Launcher hands a playback source to an external player
type Launcher struct {
	template string // configured command template, empty for auto-detection
	logger   *slog.Logger
	start    func(name string, args ...string) error
}

// launchPath defines a single way to launch a player
type launchPath struct {
	path      string   // Command path: "mpv", "vlc", or "open-a:AppName"
	openFlags []string // For "open-a:" paths only - flags for macOS open command (e.g., ["-n"])
}

// players registry - platform -> launch paths to try in order
var players = map[string]map[string][]launchPath{
	"mpv": {
		"darwin":  {{path: "mpv"}},
		"linux":   {{path: "mpv"}},
		"windows": {{path: "mpv"}},
	},
	"vlc": {
		"darwin": {
			{path: "vlc"},
			{path: "open-a:VLC"},
		},
		"linux":   {{path: "vlc"}},
		"windows": {{path: "vlc"}},
	},
	"iina": {
		"darwin": {{path: "open-a:IINA", openFlags: []string{"-n"}}},
	},
	"celluloid": {
		"linux": {{path: "celluloid"}},
	},
	"potplayer": {
		"windows": {{path: "PotPlayerMini64.exe"}, {path: "PotPlayerMini.exe"}},
	},
}

// candidatePlayers defines the preferred player order for each platform
var candidatePlayers = map[string][]string{
	"darwin":  {"iina", "vlc", "mpv"},
	"linux":   {"mpv", "celluloid", "vlc"},
	"windows": {"vlc", "mpv", "potplayer"},
}

// NewLauncher creates a Launcher for a command template such as
// "vlc --fullscreen {URL}". An empty template auto-detects a player.
func NewLauncher(template string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		template: strings.TrimSpace(template),
		logger:   logger,
		start:    startDetached,
	}
}

func startDetached(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

// BuildCommand splits template into a program and arguments and substitutes
// location for the first URL placeholder kind found. Without a placeholder the
// location is appended as the last argument.
func BuildCommand(template, location string) (string, []string, error) {
	fields, err := splitCommand(template)
	if err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty player command")
	}

	substituted := false
	for _, token := range urlTokens {
		for i := 1; i < len(fields); i++ {
			if strings.Contains(fields[i], token) {
				fields[i] = strings.ReplaceAll(fields[i], token, location)
				substituted = true
			}
		}
		if substituted {
			break
		}
	}
	if !substituted {
		fields = append(fields, location)
	}
	return fields[0], fields[1:], nil
}

// splitCommand splits on whitespace, honoring single and double quotes.
func splitCommand(s string) ([]string, error) {
	var (
		fields  []string
		current strings.Builder
		quote   rune
		inField bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inField = true
		case r == ' ' || r == '\t' || r == '\n':
			if inField {
				fields = append(fields, current.String())
				current.Reset()
				inField = false
			}
		default:
			current.WriteRune(r)
			inField = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in player command %q", s)
	}
	if inField {
		fields = append(fields, current.String())
	}
	return fields, nil
}

// Launch opens the source in the configured player, a detected player, or
// the system default, in that order.
func (l *Launcher) Launch(source domain.PlaybackSource) error {
	location := source.Location()
	if location == "" {
		return fmt.Errorf("nothing to play: %w", domain.ErrNotFound)
	}

	// Tier 1: User configured a command template
	if l.template != "" {
		name, args, err := BuildCommand(l.template, location)
		if err != nil {
			return err
		}
		l.logger.Info("launching player", "command", name, "args", len(args), "local", source.Kind == domain.SourceLocal)
		if err := l.start(name, args...); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		return nil
	}

	// Tier 2: Try candidate chain (IINA → VLC → mpv on macOS, etc.)
	if _, err := l.detectAndLaunch(location); err == nil {
		return nil
	}

	// Tier 3: Fall back to system default (open/xdg-open/start)
	l.logger.Info("no candidate players found, using system default")
	return l.launchDefault(location)
}

// detectAndLaunch tries candidate players in order using configured launch paths
// Returns the player name that succeeded, or empty string if all failed
func (l *Launcher) detectAndLaunch(location string) (string, error) {
	candidates, ok := candidatePlayers[runtime.GOOS]
	if !ok {
		candidates = candidatePlayers["linux"] // default
	}

	for _, playerName := range candidates {
		paths, ok := players[playerName][runtime.GOOS]
		if !ok {
			continue
		}
		for _, lp := range paths {
			var err error
			if appName, isApp := strings.CutPrefix(lp.path, "open-a:"); isApp {
				args := append(append([]string{}, lp.openFlags...), "-a", appName, location)
				err = exec.Command("open", args...).Run()
			} else if _, err = exec.LookPath(lp.path); err == nil {
				err = l.start(lp.path, location)
			}

			if err == nil {
				l.logger.Info("launched with detected player", "player", playerName, "path", lp.path)
				return playerName, nil
			}
			l.logger.Debug("launch path not available", "player", playerName, "path", lp.path, "error", err)
		}
	}

	return "", fmt.Errorf("no candidate players found")
}

// launchDefault opens the location using the system default handler
func (l *Launcher) launchDefault(location string) error {
	l.logger.Info("launching with system default", "os", runtime.GOOS)
	switch runtime.GOOS {
	case "darwin":
		return l.start("open", location)
	case "windows":
		return l.start("cmd", "/c", "start", "", location)
	default:
		return l.start("xdg-open", location)
	}
}
