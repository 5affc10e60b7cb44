package alert

import "github.com/dongwonkwak/ironpost/internal/parse"

// sourceIPFields and targetIPFields are the fixed pattern lists §4.6
// step 3 names; the first present field wins.
var sourceIPFields = []string{"src_ip", "source_ip", "client_ip", "srcip", "srcaddr"}
var targetIPFields = []string{"dst_ip", "dest_ip", "destination_ip", "target_ip", "remote_ip", "dstip", "dstaddr"}

// extractIPs harvests best-effort source/target IPs from entry's field
// map. Missing values are left empty, never an error.
func extractIPs(entry parse.LogEntry) (source, target string) {
	return firstPresent(entry, sourceIPFields), firstPresent(entry, targetIPFields)
}

func firstPresent(entry parse.LogEntry, names []string) string {
	for _, name := range names {
		if v, ok := entry.Field(name); ok && v != "" {
			return v
		}
	}
	return ""
}
