package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"Café", "cafe"},
		{"  Über ", "uber"},
		{"ÉCOLE", "ecole"},
		{"niño", "nino"},
		{"ネコ", "ねこ"},
		{"ガラス", "がらす"},
		{"パン", "ぱん"},
		{"犬", "犬"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, Fold(tt.in), "Fold(%q)", tt.in)
	}
}

func TestToHiragana(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"ア", "あ"},
		{"ガ", "が"},
		{"ン", "ん"},
		{"ー", "ー"},
		{"abc", "abc"},
		{"あいう", "あいう"},
	}
	for _, tt := range tests {
		if got := ToHiragana(tt.in); got != tt.out {
			t.Errorf("ToHiragana(%q) = %q; want %q", tt.in, got, tt.out)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\`, EscapeLike(`50%_off\`))
}

func TestDefaultIgnoresLanguage(t *testing.T) {
	assert.Equal(t, "cafe", Default.Normalize("fr", "Café"))
	assert.Equal(t, "ねこ", Default.Normalize("ja", "ネコ"))
}

func TestJapaneseReading(t *testing.T) {
	j := NewJapanese()

	assert.Equal(t, "ねこ", j.Normalize("ja", "猫"))
	assert.Equal(t, "いぬ", j.Normalize("ja", "犬"))
	// Non-Japanese input bypasses the tokenizer.
	assert.Equal(t, "cafe", j.Normalize("fr", "Café"))
}
