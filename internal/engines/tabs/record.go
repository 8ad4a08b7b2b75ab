// Package tabs implements the remote-tabs sync engine: each device
// uploads a single record listing its open tabs, and every device
// mirrors the others' records locally. Reconciliation is last writer
// wins per device, which makes it the simplest complete engine.
package tabs

import "github.com/weavekit/sync15/internal/bso"

// RemoteTab is one open tab on a device. UrlHistory is most recent
// first; the first entry is the tab's current URL.
type RemoteTab struct {
	Title      string   `json:"title"`
	UrlHistory []string `json:"urlHistory"`
	Icon       string   `json:"icon,omitempty"`
	LastUsed   int64    `json:"lastUsed"`
}

// TabsRecord is the cleartext payload of one device's tabs record. Its
// Bso id is the device's client id.
type TabsRecord struct {
	Id         bso.Guid    `json:"id"`
	ClientName string      `json:"clientName"`
	Tabs       []RemoteTab `json:"tabs"`
}

// ClientRemoteTabs is what the host reads back: one remote device and
// its open tabs.
type ClientRemoteTabs struct {
	ClientID   string
	DeviceName string
	Tabs       []RemoteTab
}
