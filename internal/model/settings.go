package model

// Flag keys persisted in the flag store
const (
	FlagSimplifiedFilters     = "simplified_filters"
	FlagShowStatusBar         = "show_status_bar"
	FlagRestartByReachability = "restart_by_reachability"
	FlagProStatus             = "pro_status"
)

// Row identifies a row of the advanced settings screen
type Row string

const (
	RowSimplifiedFilters Row = "simplified_filters"
	RowShowStatusBar     Row = "show_status_bar"
	RowRestartProtection Row = "restart_protection"
	RowRemoveVPNProfile  Row = "remove_vpn_profile"
)

// TunnelMode is the VPN tunnel mode reported by the VPN manager
type TunnelMode string

const (
	TunnelModeSplit              TunnelMode = "split"
	TunnelModeFull               TunnelMode = "full"
	TunnelModeFullWithoutVPNIcon TunnelMode = "full_without_vpn_icon"
)

// DescriptionKey returns the localization key describing the tunnel mode.
// Unknown modes have no description.
func (m TunnelMode) DescriptionKey() string {
	switch m {
	case TunnelModeSplit:
		return "tunnel_mode_split_description"
	case TunnelModeFull:
		return "tunnel_mode_full_description"
	case TunnelModeFullWithoutVPNIcon:
		return "tunnel_mode_full_without_icon_description"
	default:
		return ""
	}
}

// VPNStatus is the state of the VPN profile on the device
type VPNStatus struct {
	Installed  bool       `json:"installed"`
	TunnelMode TunnelMode `json:"tunnel_mode"`
}

// SettingsSnapshot is the read model of the advanced settings screen
type SettingsSnapshot struct {
	SimplifiedFilters     bool         `json:"simplified_filters"`
	ShowStatusBar         bool         `json:"show_status_bar"`
	RestartProtection     bool         `json:"restart_protection"`
	VisibleRows           map[Row]bool `json:"visible_rows"`
	TunnelModeDescription string       `json:"tunnel_mode_description,omitempty"`
}

// ToggleRows are the rows whose value can be flipped
var ToggleRows = []Row{RowSimplifiedFilters, RowShowStatusBar, RowRestartProtection}

// ParseRow maps a row name to a Row
func ParseRow(name string) (Row, bool) {
	switch r := Row(name); r {
	case RowSimplifiedFilters, RowShowStatusBar, RowRestartProtection, RowRemoveVPNProfile:
		return r, true
	default:
		return "", false
	}
}

// FlagKey returns the flag key backing a toggle row
func (r Row) FlagKey() (string, bool) {
	switch r {
	case RowSimplifiedFilters:
		return FlagSimplifiedFilters, true
	case RowShowStatusBar:
		return FlagShowStatusBar, true
	case RowRestartProtection:
		return FlagRestartByReachability, true
	default:
		return "", false
	}
}
