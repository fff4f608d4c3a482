package queue

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"plain text untouched", "BTC breaks 100k", "BTC breaks 100k"},
		{
			"paragraphs become lines",
			"<p>First paragraph</p><p>Second paragraph</p>",
			"First paragraph\nSecond paragraph",
		},
		{
			"paragraph attributes ignored",
			`<p class="rich">Styled text</p>`,
			"Styled text",
		},
		{
			"br variants become newlines",
			"line one<br>line two<br/>line three<BR />line four",
			"line one\nline two\nline three\nline four",
		},
		{
			"stray tags dropped",
			`Visit <a href="https://example.com">the site</a> now`,
			"Visit the site now",
		},
		{
			"entities decoded",
			"Fees &amp; rewards &gt; 5%",
			"Fees & rewards > 5%",
		},
		{
			"horizontal whitespace collapsed, newlines kept",
			"a  \t b<br>c   d",
			"a b\nc d",
		},
		{
			"empty paragraphs skipped",
			"<p>kept</p><p>  </p><p></p>",
			"kept",
		},
		{"only markup", "<p> </p><p></p>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.raw); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"boilerplate prefix stripped", "PANews快讯: ETH upgrade live", "ETH upgrade live"},
		{"boilerplate without suffix", "PANews - ETH upgrade live", "ETH upgrade live"},
		{"blockbeats prefix stripped", "BlockBeats消息，ETH upgrade live", "ETH upgrade live"},
		{"case insensitive", "panews快讯：ETH upgrade live", "ETH upgrade live"},
		{"newlines collapse for comparison", "ETH upgrade\nlive", "ETH upgrade live"},
		{"prefix only in leading position", "Quoting PANews: something", "Quoting PANews: something"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.raw); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

// Distinct raw forms of the same announcement must normalize identically,
// since the duplicate guard compares canonical text only.
func TestNormalizeConvergence(t *testing.T) {
	variants := []string{
		"PANews快讯: BTC ETF inflows hit record",
		"<p>BTC ETF inflows   hit record</p>",
		"BlockBeats消息，BTC ETF inflows\nhit record",
	}
	want := Normalize(variants[0])
	if want == "" {
		t.Fatal("canonical form is empty")
	}
	for _, v := range variants[1:] {
		if got := Normalize(v); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", v, got, want)
		}
	}
}
