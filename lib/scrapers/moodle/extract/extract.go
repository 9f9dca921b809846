// Package extract turns parsed Moodle pages into normalized course
// and material records. Moodle themes vary wildly between versions,
// so every extraction runs an ordered table of selector strategies
// instead of trusting a single layout.
package extract

import (
	"regexp"
	"strings"

	"moodlegate/lib/htmlutil"
	"moodlegate/lib/urlutil"

	"github.com/PuerkitoBio/goquery"
)

type MaterialType string

const (
	TypeFile       MaterialType = "file"
	TypeFolder     MaterialType = "folder"
	TypeUrl        MaterialType = "url"
	TypeForum      MaterialType = "forum"
	TypeAssignment MaterialType = "assignment"
)

type Course struct {
	Id   string
	Name string
	Url  string
}

type Material struct {
	// Id doubles as the url, it is unique within a single listing.
	Id   string
	Name string
	Url  string
	Type MaterialType
}

var courseIdRegex = regexp.MustCompile(`id=(\d+)`)

// courseAccumulator dedups courses by id, first seen wins. Course id
// "1" is the site front page, never a real course.
type courseAccumulator struct {
	seen  map[string]bool
	order []Course
}

func (acc *courseAccumulator) add(id, name, href string, rw urlutil.Rewriter) {
	if id == "" || id == "1" || acc.seen[id] {
		return
	}
	acc.seen[id] = true
	acc.order = append(acc.order, Course{
		Id:   id,
		Name: name,
		Url:  rw.Rewrite(href),
	})
}

func courseIdFromHref(href string) string {
	match := courseIdRegex.FindStringSubmatch(href)
	if match == nil {
		return ""
	}
	return match[1]
}

type courseStrategy func(doc *goquery.Document, rw urlutil.Rewriter, acc *courseAccumulator)

// The first three strategies are cumulative, each adds whatever the
// previous ones missed. The front page list is only consulted when
// nothing else produced a course at all.
var courseStrategies = []courseStrategy{
	dashboardCardCourses,
	navigationTreeCourses,
	dropdownMenuCourses,
}

var courseFallbackStrategies = []courseStrategy{
	frontPageCourses,
}

func dashboardCardCourses(doc *goquery.Document, rw urlutil.Rewriter, acc *courseAccumulator) {
	doc.Find(".dashboard-card, .course-summaryitem, .coursebox, .card").
		Each(func(_ int, item *goquery.Selection) {
			anchor := item.Find(`a[href*="/course/view.php"]`).First()
			if anchor.Length() == 0 {
				return
			}
			href := anchor.AttrOr("href", "")

			name := htmlutil.CleanText(item.Find(".coursename, .fullname, h3, h4, h5").First().Text())
			if name == "" {
				name = htmlutil.CleanText(anchor.Text())
			}
			// some themes render a literal "Course" placeholder title
			if strings.EqualFold(name, "course") || name == "" {
				return
			}

			acc.add(courseIdFromHref(href), name, href, rw)
		})
}

func navigationTreeCourses(doc *goquery.Document, rw urlutil.Rewriter, acc *courseAccumulator) {
	doc.Find(`.block_navigation .type_course a[href*="/course/view.php"]`).
		Each(func(_ int, link *goquery.Selection) {
			href := link.AttrOr("href", "")
			name := htmlutil.CleanText(link.Text())
			if name == "" {
				name = link.AttrOr("title", "")
			}
			acc.add(courseIdFromHref(href), name, href, rw)
		})
}

func dropdownMenuCourses(doc *goquery.Document, rw urlutil.Rewriter, acc *courseAccumulator) {
	doc.Find(`.dropdown-menu a[href*="/course/view.php"], .nav-item .dropdown-menu a[href*="/course/view.php"]`).
		Each(func(_ int, link *goquery.Selection) {
			href := link.AttrOr("href", "")
			acc.add(courseIdFromHref(href), htmlutil.CleanText(link.Text()), href, rw)
		})
}

func frontPageCourses(doc *goquery.Document, rw urlutil.Rewriter, acc *courseAccumulator) {
	doc.Find(`.frontpage-course-list-enrolled .coursebox a[href*="/course/view.php"]`).
		Each(func(_ int, link *goquery.Selection) {
			href := link.AttrOr("href", "")
			name := htmlutil.CleanText(link.Closest(".coursebox").Find("h3, .coursename").First().Text())
			if name == "" {
				name = htmlutil.CleanText(link.Text())
			}
			acc.add(courseIdFromHref(href), name, href, rw)
		})
}

// Courses extracts the enrolled course list from a dashboard page.
func Courses(doc *goquery.Document, rw urlutil.Rewriter) []Course {
	acc := &courseAccumulator{seen: map[string]bool{}}
	for _, strategy := range courseStrategies {
		strategy(doc, rw, acc)
	}
	if len(acc.order) == 0 {
		for _, strategy := range courseFallbackStrategies {
			strategy(doc, rw, acc)
		}
	}
	if acc.order == nil {
		return []Course{}
	}
	return acc.order
}

// Names of built-in course sections that are not downloadable content.
var excludedSections = []string{"Announcements", "Attendance"}

func isExcludedSection(name string) bool {
	for _, s := range excludedSections {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// Substrings in a material name that mark it as something to hand in.
// This intentionally overrides the class-derived type: teachers
// routinely upload assignments as plain resources.
var assignmentKeywords = []string{
	"assignment", "task", "project", "submission",
	"homework", "quiz", "lab work",
}

func applyKeywordOverride(name string, t MaterialType) MaterialType {
	lower := strings.ToLower(name)
	for _, kw := range assignmentKeywords {
		if strings.Contains(lower, kw) {
			return TypeAssignment
		}
	}
	return t
}

// typeFromClass reads the activity type off the css class tokens of an
// .activity node. Precedence matters: moodle emits "modtype_folder
// activity" style lists where more than one token could match.
func typeFromClass(classes string) (MaterialType, bool) {
	switch {
	case strings.Contains(classes, "folder"):
		return TypeFolder, true
	case strings.Contains(classes, "url"):
		return TypeUrl, true
	case strings.Contains(classes, "forum"):
		return TypeForum, true
	case strings.Contains(classes, "assign"):
		return TypeAssignment, true
	case strings.Contains(classes, "resource"):
		return TypeFile, true
	}
	return TypeFile, false
}

func typeFromPathSegments(href string) MaterialType {
	switch {
	case strings.Contains(href, "folder"):
		return TypeFolder
	case strings.Contains(href, "assign"):
		return TypeAssignment
	}
	return TypeFile
}

// Materials extracts the activity list from a course view page. The
// primary strategy walks .activity nodes; when a theme renders none,
// a fallback rescrapes every module link on the page.
func Materials(doc *goquery.Document, rw urlutil.Rewriter) []Material {
	materials := activityMaterials(doc, rw)
	if len(materials) == 0 {
		materials = modLinkMaterials(doc, rw)
	}
	return materials
}

func activityMaterials(doc *goquery.Document, rw urlutil.Rewriter) []Material {
	materials := []Material{}

	doc.Find(".activity").Each(func(_ int, node *goquery.Selection) {
		anchor := node.Find("a").First()
		if anchor.Length() == 0 {
			return
		}

		name := htmlutil.FirstText(node.Find(".instancename, .activityname").First())
		if name == "" {
			name = htmlutil.CleanText(anchor.Text())
		}
		if isExcludedSection(name) {
			return
		}

		href := rw.Rewrite(anchor.AttrOr("href", ""))

		materialType, matched := typeFromClass(node.AttrOr("class", ""))
		if !matched {
			materialType = typeFromPathSegments(href)
		}
		materialType = applyKeywordOverride(name, materialType)

		materials = append(materials, Material{
			Id:   href,
			Name: name,
			Url:  href,
			Type: materialType,
		})
	})

	return materials
}

func modLinkMaterials(doc *goquery.Document, rw urlutil.Rewriter) []Material {
	byUrl := map[string]Material{}
	order := []string{}

	for _, anchor := range htmlutil.GetAnchors(doc.Find(`a[href*="/mod/"]`)) {
		href := rw.Rewrite(anchor.Href)
		if strings.Contains(href, "forum") || strings.Contains(href, "label") {
			continue
		}

		if isExcludedSection(anchor.Name) {
			continue
		}

		materialType := TypeFile
		switch {
		case strings.Contains(href, "folder"):
			materialType = TypeFolder
		case strings.Contains(href, "assign"):
			materialType = TypeAssignment
		case strings.Contains(href, "url"):
			materialType = TypeUrl
		}
		materialType = applyKeywordOverride(anchor.Name, materialType)

		if _, dup := byUrl[href]; !dup {
			order = append(order, href)
		}
		byUrl[href] = Material{
			Id:   href,
			Name: anchor.Name,
			Url:  href,
			Type: materialType,
		}
	}

	materials := make([]Material, 0, len(order))
	for _, href := range order {
		materials = append(materials, byUrl[href])
	}
	return materials
}

type folderLinkStrategy struct {
	name     string
	selector string
}

// Tried in order, the first strategy that matches anything wins. A
// folder page renders one of these shapes depending on whether the
// files are inlined or listed as activities.
var folderLinkStrategies = []folderLinkStrategy{
	{name: "filename links", selector: ".fp-filename-icon a, .fp-filename a"},
	{name: "activity instances", selector: ".activityinstance a"},
	{name: "generic tables", selector: ".generaltable a, .urlworkaround a"},
}

// FolderContents extracts the file list from a folder (or similar
// drill-down) page. Queries are scoped to the main content region so
// navigation chrome does not leak into the listing.
func FolderContents(doc *goquery.Document, rw urlutil.Rewriter) []Material {
	region := doc.Find(`[role="main"], .region-main`).First()
	if region.Length() == 0 {
		region = doc.Selection
	}

	var links *goquery.Selection
	for _, strategy := range folderLinkStrategies {
		links = region.Find(strategy.selector)
		if links.Length() > 0 {
			break
		}
	}
	if links == nil {
		return []Material{}
	}

	materials := []Material{}
	links.Each(func(_ int, link *goquery.Selection) {
		href := rw.Rewrite(link.AttrOr("href", ""))

		name := ""
		if fpName := link.Find(".fp-filename").First(); fpName.Length() > 0 {
			name = htmlutil.CleanText(fpName.Text())
		} else if instName := link.Find(".instancename").First(); instName.Length() > 0 {
			name = htmlutil.FirstText(instName)
		} else {
			name = htmlutil.CleanText(link.Text())
		}

		// "Download folder" is moodle's zip convenience button, not an
		// actual content item
		if name == "" || strings.Contains(name, "Download folder") {
			return
		}

		materialType := TypeFile
		switch {
		case strings.Contains(href, "/mod/folder/"):
			materialType = TypeFolder
		case strings.Contains(href, "/mod/assign/"):
			materialType = TypeAssignment
		case strings.Contains(href, "/mod/url/") && !strings.Contains(href, "pluginfile"):
			materialType = TypeUrl
		case strings.Contains(href, "/mod/forum/"):
			materialType = TypeForum
		}

		materials = append(materials, Material{
			Id:   href,
			Name: name,
			Url:  href,
			Type: materialType,
		})
	})

	return materials
}

// PrivateFiles extracts the user's private file listing. When the
// theme renders no file links but the download-all form is present,
// a single folder entry pointing back at the files page is returned
// so the user can still reach their files.
func PrivateFiles(doc *goquery.Document, rw urlutil.Rewriter) []Material {
	files := []Material{}
	doc.Find(".fp-filename-icon a, .fp-filename a").Each(func(_ int, link *goquery.Selection) {
		href := rw.Rewrite(link.AttrOr("href", ""))
		name := htmlutil.CleanText(link.Text())
		if name == "" {
			return
		}
		files = append(files, Material{
			Id:   href,
			Name: name,
			Url:  href,
			Type: TypeFile,
		})
	})

	if len(files) == 0 && doc.Find(`form[action*="download_all"]`).Length() > 0 {
		url := rw.Prefix() + "/user/files.php"
		files = append(files, Material{
			Id:   url,
			Name: "View & Manage Files in Moodle",
			Url:  url,
			Type: TypeFolder,
		})
	}

	return files
}
