package feeds

import (
	"sort"

	"iocpipe/core"
)

// =============================================================================
// Feed Templates
// =============================================================================

// Template is a ready-made feed definition for a well-known public source.
type Template struct {
	ID          string    `yaml:"id" json:"id"`
	Description string    `yaml:"description" json:"description"`
	Labels      []string  `yaml:"labels,omitempty" json:"labels,omitempty"`
	Feed        core.Feed `yaml:"feed" json:"feed"`
}

func column(i int) *int { return &i }

var templates = []Template{
	{
		ID:          "abuse-ch-urlhaus",
		Description: "Malicious URLs used for malware distribution",
		Labels:      []string{"malware", "urls", "free"},
		Feed: core.Feed{
			Name:            "urlhaus",
			URL:             "https://urlhaus.abuse.ch/downloads/csv_recent/",
			Format:          core.FeedFormatCSV,
			Provider:        "abuse.ch",
			Type:            core.TypeURL,
			Category:        "malware",
			Delimiter:       ",",
			IgnoreHeader:    true,
			TimestampFormat: "%Y-%m-%d %H:%M:%S",
			Fields: core.FieldIndexes{
				Value:     column(2),
				Timestamp: column(1),
				Comment:   column(5),
				Tags:      column(6),
				Link:      column(7),
			},
		},
	},
	{
		ID:          "abuse-ch-feodo",
		Description: "Botnet C2 servers tracked by Feodo Tracker",
		Labels:      []string{"botnet", "c2", "free"},
		Feed: core.Feed{
			Name:            "feodo",
			URL:             "https://feodotracker.abuse.ch/downloads/ipblocklist.csv",
			Format:          core.FeedFormatCSV,
			Provider:        "abuse.ch",
			Type:            core.TypeIPDst,
			Category:        "botnet",
			Delimiter:       ",",
			IgnoreHeader:    true,
			TimestampFormat: "%Y-%m-%d %H:%M:%S",
			Fields: core.FieldIndexes{
				Value:     column(1),
				Timestamp: column(0),
				Comment:   column(5),
			},
		},
	},
	{
		ID:          "openphish",
		Description: "Phishing URLs from OpenPhish community feed",
		Labels:      []string{"phishing", "urls", "free"},
		Feed: core.Feed{
			Name:     "openphish",
			URL:      "https://openphish.com/feed.txt",
			Format:   core.FeedFormatCSV,
			Provider: "openphish",
			Type:     core.TypeURL,
			Category: "phishing",
			Tags:     []string{"phishing"},
		},
	},
	{
		ID:          "sans-isc-suspicious",
		Description: "High-confidence suspicious domains from SANS ISC",
		Labels:      []string{"domains", "free"},
		Feed: core.Feed{
			Name:         "sans-isc",
			URL:          "https://isc.sans.edu/feeds/suspiciousdomains_High.txt",
			Format:       core.FeedFormatCSV,
			Provider:     "sans",
			Type:         core.TypeDomain,
			Category:     "suspicious",
			IgnoreHeader: true,
		},
	},
	{
		ID:          "et-compromised",
		Description: "Compromised hosts from Emerging Threats",
		Labels:      []string{"ips", "free"},
		Feed: core.Feed{
			Name:     "et-compromised",
			URL:      "https://rules.emergingthreats.net/blockrules/compromised-ips.txt",
			Format:   core.FeedFormatCSV,
			Provider: "proofpoint",
			Type:     core.TypeIPSrc,
			Category: "compromised",
		},
	},
	{
		ID:          "circl-osint",
		Description: "CIRCL OSINT MISP feed (manifest plus one document per event)",
		Labels:      []string{"misp", "osint", "free"},
		Feed: core.Feed{
			Name:     "circl-osint",
			URL:      "https://www.circl.lu/doc/misp/feed-osint",
			Format:   core.FeedFormatEvent,
			Provider: "circl",
		},
	},
}

// Templates returns every built-in feed template, sorted by ID.
func Templates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TemplateByID returns the template with the given ID
func TemplateByID(id string) (Template, bool) {
	for _, t := range templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}
