package commands

import (
	"os"
	"sort"
	"strings"

	"moodlegate/lib/scrapers/moodle/extract"
	"moodlegate/lib/serviceutil"

	"github.com/antzucaro/matchr"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var coursesFind *string

func init() {
	coursesFind = coursesCmd.Flags().String("find", "", "Fuzzy-match course names against this query.")
	rootCmd.AddCommand(coursesCmd)
}

var coursesCmd = &cobra.Command{
	Use:   "courses [--find <query>]",
	Short: "Lists the courses visible on the dashboard.",
	Run: func(cmd *cobra.Command, args []string) {
		client := createClient()

		doc, err := client.Check(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to fetch dashboard", err)
		}
		courses := extract.Courses(doc, client.Rewriter)

		if *coursesFind != "" {
			query := strings.ToLower(*coursesFind)
			sort.SliceStable(courses, func(i, j int) bool {
				left := matchr.JaroWinkler(strings.ToLower(courses[i].Name), query, false)
				right := matchr.JaroWinkler(strings.ToLower(courses[j].Name), query, false)
				return left > right
			})
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Id", "Name", "Url"})
		for _, course := range courses {
			t.AppendRow(table.Row{course.Id, course.Name, course.Url})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
