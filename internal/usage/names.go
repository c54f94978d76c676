package usage

import (
	"strings"
	"unicode"
)

// friendlyNames covers WM_CLASS values that do not read well on their own.
var friendlyNames = map[string]string{
	"google-chrome":         "Google Chrome",
	"chromium-browser":      "Chromium",
	"brave-browser":         "Brave",
	"telegramdesktop":       "Telegram",
	"code":                  "VS Code",
	"jetbrains-idea":        "IntelliJ IDEA",
	"gnome-terminal-server": "Terminal",
	"org.gnome.nautilus":    "Files",
	"libreoffice-writer":    "LibreOffice Writer",
	"libreoffice-calc":      "LibreOffice Calc",
	"vlc":                   "VLC",
	"obs":                   "OBS Studio",
}

// FriendlyName returns a display name for pkg.
// Known packages map to fixed names; a dot-free appName from the source is used as is;
// otherwise the last package segment is cleaned up ("my_app" -> "My app", "mediaClient" -> "Media Client").
func FriendlyName(pkg, appName string) string {
	if name, ok := friendlyNames[pkg]; ok {
		return name
	}
	if appName != "" && !strings.Contains(appName, ".") {
		return appName
	}

	last := pkg
	if i := strings.LastIndex(pkg, "."); i >= 0 {
		last = pkg[i+1:]
	}
	last = strings.ReplaceAll(last, "_", " ")
	if last == "" {
		return "Unknown"
	}

	var b strings.Builder
	for i, r := range last {
		switch {
		case i == 0:
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsUpper(r):
			b.WriteRune(' ')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
