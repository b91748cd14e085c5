package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrNotImplemented is returned for catalog entries whose wire encoding is
// not defined. Such commands never reach the wire.
var ErrNotImplemented = errors.New("protocol: command not implemented")

// ErrUnknownCommand is returned by Lookup for names outside the catalog.
var ErrUnknownCommand = errors.New("protocol: unknown command")

// ErrBadArguments is returned when a command is given the wrong arguments.
var ErrBadArguments = errors.New("protocol: bad command arguments")

// Category groups related commands.
type Category string

const (
	CategoryDirectional Category = "directional"
	CategoryVolume      Category = "volume"
	CategoryMedia       Category = "media"
	CategoryCursor      Category = "cursor"
	CategoryInput       Category = "input"
)

// Command is a simple receiver command.
type Command struct {
	Name     string
	Category Category
	// Args is the number of integer arguments the command takes.
	Args int
	// Placeholder commands have no defined wire encoding.
	Placeholder bool
}

// Directional input.
var (
	DpadUp     = Command{Name: "DPAD_UP", Category: CategoryDirectional}
	DpadDown   = Command{Name: "DPAD_DOWN", Category: CategoryDirectional}
	DpadLeft   = Command{Name: "DPAD_LEFT", Category: CategoryDirectional}
	DpadRight  = Command{Name: "DPAD_RIGHT", Category: CategoryDirectional}
	DpadCenter = Command{Name: "DPAD_CENTER", Category: CategoryDirectional}
	Back       = Command{Name: "BACK", Category: CategoryDirectional}
	Home       = Command{Name: "HOME", Category: CategoryDirectional}
)

// Volume.
var (
	VolumeUp   = Command{Name: "VOLUME_UP", Category: CategoryVolume}
	VolumeDown = Command{Name: "VOLUME_DOWN", Category: CategoryVolume}
	VolumeMute = Command{Name: "VOLUME_MUTE", Category: CategoryVolume}
)

// Media transport.
var (
	MediaPlayPause   = Command{Name: "MEDIA_PLAY_PAUSE", Category: CategoryMedia}
	MediaNext        = Command{Name: "MEDIA_NEXT", Category: CategoryMedia}
	MediaPrevious    = Command{Name: "MEDIA_PREVIOUS", Category: CategoryMedia}
	MediaStop        = Command{Name: "MEDIA_STOP", Category: CategoryMedia}
	MediaRewind      = Command{Name: "MEDIA_REWIND", Category: CategoryMedia}
	MediaFastForward = Command{Name: "MEDIA_FAST_FORWARD", Category: CategoryMedia}
)

// Cursor.
var (
	CursorMove  = Command{Name: "CURSOR_MOVE", Category: CategoryCursor, Args: 2}
	CursorClick = Command{Name: "CURSOR_CLICK", Category: CategoryCursor}
)

// Placeholders.
var (
	SoftKeyboard      = Command{Name: "SOFT_KEYBOARD", Category: CategoryInput, Placeholder: true}
	CursorContextMenu = Command{Name: "CURSOR_CONTEXT_MENU", Category: CategoryCursor, Placeholder: true}
	Scroll            = Command{Name: "SCROLL", Category: CategoryCursor, Placeholder: true}
)

var catalog = map[string]Command{}

func init() {
	for _, c := range []Command{
		DpadUp, DpadDown, DpadLeft, DpadRight, DpadCenter, Back, Home,
		VolumeUp, VolumeDown, VolumeMute,
		MediaPlayPause, MediaNext, MediaPrevious, MediaStop, MediaRewind, MediaFastForward,
		CursorMove, CursorClick,
		SoftKeyboard, CursorContextMenu, Scroll,
	} {
		catalog[c.Name] = c
	}
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Command, error) {
	c, ok := catalog[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return c, nil
}

// Catalog returns every command sorted by name.
func Catalog() []Command {
	out := make([]Command, 0, len(catalog))
	for _, c := range catalog {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Encode validates args and returns the wire words for c.
func (c Command) Encode(args ...string) ([]string, error) {
	if c.Placeholder {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, c.Name)
	}
	if len(args) != c.Args {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadArguments, c.Name, c.Args, len(args))
	}
	for _, a := range args {
		if _, err := strconv.Atoi(a); err != nil {
			return nil, fmt.Errorf("%w: %s: %q is not an integer", ErrBadArguments, c.Name, a)
		}
	}
	return append([]string{c.Name}, args...), nil
}

// String returns the command name.
func (c Command) String() string {
	return c.Name
}
