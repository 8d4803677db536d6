package switching

import (
	"fmt"
	"sort"
	"strings"
)

// NotASubtype is the subtype index of an item for an IME without subtypes.
const NotASubtype = -1

// Item is one selectable IME and subtype pair.
type Item struct {
	IMEID               string `json:"ime_id" yaml:"ime_id"`
	IMEName             string `json:"ime_name" yaml:"ime_name"`
	SubtypeName         string `json:"subtype_name,omitempty" yaml:"subtype_name,omitempty"`
	LayoutName          string `json:"layout_name,omitempty" yaml:"layout_name,omitempty"`
	SubtypeIndex        int    `json:"subtype_index" yaml:"subtype_index"`
	ShowInSwitcherMenu  bool   `json:"show_in_switcher_menu" yaml:"show_in_switcher_menu"`
	IsAuxiliary         bool   `json:"auxiliary" yaml:"auxiliary"`
	SuitableForHardware bool   `json:"suitable_for_hardware" yaml:"suitable_for_hardware"`
	IsSystemLocale      bool   `json:"system_locale" yaml:"system_locale"`
	IsSystemLanguage    bool   `json:"system_language" yaml:"system_language"`
}

// NewItem creates an item and derives its locale flags from the subtype
// locale and the system locale.
func NewItem(imeID, imeName, subtypeName, layoutName string, subtypeIndex int,
	showInMenu, auxiliary, suitableForHardware bool, subtypeLocale, systemLocale string) Item {
	it := Item{
		IMEID:               imeID,
		IMEName:             imeName,
		SubtypeName:         subtypeName,
		LayoutName:          layoutName,
		SubtypeIndex:        subtypeIndex,
		ShowInSwitcherMenu:  showInMenu,
		IsAuxiliary:         auxiliary,
		SuitableForHardware: suitableForHardware,
	}
	if subtypeLocale == "" {
		return it
	}
	if subtypeLocale == systemLocale {
		it.IsSystemLocale = true
		it.IsSystemLanguage = true
		return it
	}
	sysLang := language(systemLocale)
	it.IsSystemLanguage = len(sysLang) >= 2 && sysLang == language(subtypeLocale)
	return it
}

// language returns the language part of a locale such as "en_US" or
// "en-US".
func language(locale string) string {
	if i := strings.IndexAny(locale, "_-"); i >= 0 {
		return locale[:i]
	}
	return locale
}

// Same reports whether two items refer to the same IME and subtype.
func (it Item) Same(o Item) bool {
	return it.IMEID == o.IMEID && it.SubtypeIndex == o.SubtypeIndex
}

func (it Item) String() string {
	return fmt.Sprintf("Item{imeName=%s subtypeName=%s layoutName=%s subtypeIndex=%d showInSwitcherMenu=%t auxiliary=%t suitableForHardware=%t systemLocale=%t systemLanguage=%t}",
		it.IMEName, it.SubtypeName, it.LayoutName, it.SubtypeIndex, it.ShowInSwitcherMenu,
		it.IsAuxiliary, it.SuitableForHardware, it.IsSystemLocale, it.IsSystemLanguage)
}

func compareNames(a, b string) int {
	// Empty names sort last.
	if a == "" || b == "" {
		return boolInt(a == "") - boolInt(b == "")
	}
	return strings.Compare(a, b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SortItems sorts items by IME name and then IME id. The sort is stable,
// so the subtypes of one IME keep their order.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if c := compareNames(items[i].IMEName, items[j].IMEName); c != 0 {
			return c < 0
		}
		return items[i].IMEID < items[j].IMEID
	})
}

func sameItems(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Same(b[i]) {
			return false
		}
	}
	return true
}

// Subtype describes one subtype of an installed IME.
type Subtype struct {
	Name                string `json:"name" yaml:"name"`
	Layout              string `json:"layout,omitempty" yaml:"layout,omitempty"`
	Locale              string `json:"locale,omitempty" yaml:"locale,omitempty"`
	Auxiliary           bool   `json:"auxiliary,omitempty" yaml:"auxiliary,omitempty"`
	SuitableForHardware bool   `json:"suitable_for_hardware,omitempty" yaml:"suitable_for_hardware,omitempty"`
	Disabled            bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// InputMethod describes an enabled IME and its subtypes.
type InputMethod struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	ShowInPicker bool      `json:"show_in_picker" yaml:"show_in_picker"`
	Subtypes     []Subtype `json:"subtypes,omitempty" yaml:"subtypes,omitempty"`
}

// EnabledItems builds the sorted item list for the enabled IMEs. An IME
// without subtypes contributes one item that is usable with a hardware
// keyboard. Disabled subtypes are skipped but keep their index.
func EnabledItems(imes []InputMethod, systemLocale string) []Item {
	var items []Item
	for _, ime := range imes {
		if len(ime.Subtypes) == 0 {
			items = append(items, NewItem(ime.ID, ime.Name, "", "", NotASubtype,
				ime.ShowInPicker, false, true, "", systemLocale))
			continue
		}
		for i, st := range ime.Subtypes {
			if st.Disabled {
				continue
			}
			items = append(items, NewItem(ime.ID, ime.Name, st.Name, st.Layout, i,
				ime.ShowInPicker, st.Auxiliary, st.SuitableForHardware, st.Locale, systemLocale))
		}
	}
	SortItems(items)
	return items
}
