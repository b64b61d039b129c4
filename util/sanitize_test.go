package util

import (
	"strings"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	assert := assert_.New(t)
	assert.Equal("helloworld", SanitizeText("hello world", "x"))
	assert.Equal("直播-测试", SanitizeText("直播-测试!!", "x"))
	assert.Equal("a_b-c", SanitizeText("  a_b-c  ", "x"))
	// Nothing survives: fall back
	assert.Equal("fallback", SanitizeText("!!!///:::", "fallback"))
	assert.Equal("fallback", SanitizeText("", "fallback"))
	// Length cap
	long := SanitizeText(strings.Repeat("a", 200), "x")
	assert.Len(long, 80)
	// Leading/trailing junk stripped
	assert.Equal("name", SanitizeText("._-name-_.", "x"))
}

func TestExtractPublishDate(t *testing.T) {
	assert := assert_.New(t)
	for _, input := range []string{
		"2023-04-05 06:07:08",
		"2023-04-05",
		"2023/04/05",
		"2023.04.05",
	} {
		year, date := ExtractPublishDate(input)
		assert.Equal("2023", year, input)
		assert.Equal("2023-04-05", date, input)
	}
	year, date := ExtractPublishDate("released 2021年7月9日")
	assert.Equal("2021", year)
	assert.Equal("2021-07-09", date)
	year, date = ExtractPublishDate("no date here")
	assert.Equal("UnknownYear", year)
	assert.Equal("UnknownDate", date)
}

func TestFormatSize(t *testing.T) {
	assert := assert_.New(t)
	assert.Equal("512 B", FormatSize(512))
	assert.Equal("1.00 KiB", FormatSize(1024))
	assert.Equal("10.00 MiB", FormatSize(10*1024*1024))
}

func TestSuffixFromURL(t *testing.T) {
	assert := assert_.New(t)
	assert.Equal("mp4", SuffixFromURL("https://example.com/video/abc.MP4?sig=1"))
	assert.Equal("", SuffixFromURL("https://example.com/video/abc"))
	assert.Equal("", SuffixFromURL("https://example.com/"))
}

func TestFilenameFromURLString(t *testing.T) {
	assert := assert_.New(t)
	name, err := FilenameFromURLString("https://example.com/a/b/c.jpeg")
	assert.NoError(err)
	assert.Equal("c.jpeg", name)
	_, err = FilenameFromURLString("https://example.com/")
	assert.ErrorIs(err, ErrNoFilename)
}
