package hidrelay

// XKIntlbackslash is the vendor's custom X11 keysym for the UK-layout
// Intlbackslash key. Plain backslash and Intlbackslash share one keysym in
// en-uk X11 keymaps, so this override disambiguates them ahead of the
// standard table lookup.
const XKIntlbackslash = 0x0100005C

// NumLockKeysym is probed by the RFB Server Adapter to elicit a real LED
// report from the host when no LED state has been learned yet.
const NumLockKeysym = 0xFF7F

// keysymToHIDUsage is the standard X keysym -> USB HID usage table for the
// printable ASCII range and common control keys. XKIntlbackslash is
// resolved before this table is consulted.
var keysymToHIDUsage = map[uint32]byte{
	XKIntlbackslash: 0x64, // HID Keyboard Non-US \ and |

	0xFF08: 0x2A, // BackSpace
	0xFF09: 0x2B, // Tab
	0xFF0D: 0x28, // Return
	0xFF1B: 0x29, // Escape
	0xFF50: 0x4A, // Home
	0xFF51: 0x50, // Left
	0xFF52: 0x52, // Up
	0xFF53: 0x4F, // Right
	0xFF54: 0x51, // Down
	0xFF55: 0x4B, // Prior (Page Up)
	0xFF56: 0x4E, // Next (Page Down)
	0xFF57: 0x4D, // End
	0xFF63: 0x49, // Insert
	0xFFE1: 0xE1, // Shift_L
	0xFFE2: 0xE5, // Shift_R
	0xFFE3: 0xE0, // Control_L
	0xFFE4: 0xE4, // Control_R
	0xFFE9: 0xE2, // Alt_L
	0xFFEA: 0xE6, // Alt_R
	0xFF7F: 0x53, // Num_Lock
	0xFFE5: 0x39, // Caps_Lock
	0xFF14: 0x47, // Scroll_Lock
	0xFFFF: 0x4C, // Delete

	' ':  0x2C,
	'\t': 0x2B,
	'\n': 0x28,

	'a': 0x04, 'b': 0x05, 'c': 0x06, 'd': 0x07, 'e': 0x08,
	'f': 0x09, 'g': 0x0A, 'h': 0x0B, 'i': 0x0C, 'j': 0x0D,
	'k': 0x0E, 'l': 0x0F, 'm': 0x10, 'n': 0x11, 'o': 0x12,
	'p': 0x13, 'q': 0x14, 'r': 0x15, 's': 0x16, 't': 0x17,
	'u': 0x18, 'v': 0x19, 'w': 0x1A, 'x': 0x1B, 'y': 0x1C, 'z': 0x1D,

	'1': 0x1E, '2': 0x1F, '3': 0x20, '4': 0x21, '5': 0x22,
	'6': 0x23, '7': 0x24, '8': 0x25, '9': 0x26, '0': 0x27,

	'-': 0x2D, '=': 0x2E, '[': 0x2F, ']': 0x30, '\\': 0x31,
	';': 0x33, '\'': 0x34, '`': 0x35, ',': 0x36, '.': 0x37, '/': 0x38,
}

// TranslateKeysym maps an X11 keysym to a USB HID keyboard usage code.
// ok is false when the keysym has no known mapping.
func TranslateKeysym(keysym uint32) (usage byte, ok bool) {
	if keysym == XKIntlbackslash {
		usage, ok = keysymToHIDUsage[XKIntlbackslash]
		return
	}
	usage, ok = keysymToHIDUsage[keysym]
	return
}
