package registry

import (
	"regexp"
	"testing"
)

func TestDomainRegex(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
		matches []string
		misses  []string
	}{
		{
			pattern: "*.youtube.com",
			want:    `(\.|^)youtube\.com$`,
			matches: []string{"youtube.com", "www.youtube.com", "a.b.youtube.com"},
			misses:  []string{"notyoutube.com", "youtube.com.evil.net"},
		},
		{
			pattern: "Example.COM",
			want:    `^example\.com$`,
			matches: []string{"example.com"},
			misses:  []string{"www.example.com"},
		},
		{
			pattern: "*xmr*",
			want:    `^.*xmr.*$`,
			matches: []string{"xmr.pool.net", "pool-xmr.io"},
			misses:  []string{"monero.org"},
		},
		{
			pattern: "*ads.*",
			want:    `^.*ads\..*$`,
			matches: []string{"ads.example.com", "googleads.g.net"},
			misses:  []string{"adsxexample.com"},
		},
		{
			pattern: `re:^ads[0-9]+\.`,
			want:    `^ads[0-9]+\.`,
			matches: []string{"ads1.tracker.com"},
			misses:  []string{"ads.tracker.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := DomainRegex(tt.pattern)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			re := regexp.MustCompile(got)
			for _, d := range tt.matches {
				if !re.MatchString(d) {
					t.Errorf("expected %q to match %s", got, d)
				}
			}
			for _, d := range tt.misses {
				if re.MatchString(d) {
					t.Errorf("expected %q not to match %s", got, d)
				}
			}
		})
	}
}

func TestDomainRegexInvalid(t *testing.T) {
	for _, p := range []string{"", "re:", "*.", "*.a*.com", "has space.com", "re:[z-a]"} {
		if _, err := DomainRegex(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

func TestNormalizeMAC(t *testing.T) {
	got, err := NormalizeMAC("AA-BB-CC-DD-EE-0F")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "aa:bb:cc:dd:ee:0f" {
		t.Errorf("expected aa:bb:cc:dd:ee:0f, got %s", got)
	}
	if _, err := NormalizeMAC("00:00:5e:00:53:01:02:03"); err == nil {
		t.Errorf("expected error for EUI-64")
	}
}
