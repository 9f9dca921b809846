package htmlutil

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, fragment string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	require.NoError(t, err)
	return doc
}

func TestGetText(t *testing.T) {
	doc := parse(t, `<div>Lecture <span>Notes <b>Week 1</b></span></div>`)
	require.Equal(t, "Lecture Notes Week 1", GetText(doc.Find("div").Nodes[0]))
}

func TestFirstText(t *testing.T) {
	doc := parse(t, `<span class="instancename">Syllabus<span class="accesshide"> File</span></span>`)
	require.Equal(t, "Syllabus", FirstText(doc.Find(".instancename")))

	empty := parse(t, `<span class="instancename"><span>nested only</span></span>`)
	require.Equal(t, "", FirstText(empty.Find(".instancename")))
}

func TestCleanText(t *testing.T) {
	require.Equal(t, "a b", CleanText("  a \n\t b  "))
	require.Equal(t, "ab", CleanText("a\x00b"))
}

func TestGetAnchors(t *testing.T) {
	doc := parse(t, `<ul>
		<li><a href="/course/view.php?id=3">  Physics   II </a></li>
		<li><a>no href</a></li>
	</ul>`)
	anchors := GetAnchors(doc.Find("a"))
	require.Len(t, anchors, 2)
	require.Equal(t, Anchor{Name: "Physics II", Href: "/course/view.php?id=3"}, anchors[0])
	require.Equal(t, "", anchors[1].Href)
}
