package issuecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssueKeyTagRoundTrip(t *testing.T) {
	k := IssueKey{Feed: "taz", Date: "2024-03-01", Status: StatusRegular}
	require.Equal(t, "taz/2024-03-01/regular", k.DownloadTag())
	require.Equal(t, "parent/taz/2024-03-01/regular", ParentTag(k.DownloadTag()))
	require.True(t, IsParentTag(ParentTag(k.DownloadTag())))

	parsed, err := ParseIssueKey(k.DownloadTag())
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	_, err = ParseIssueKey("taz/2024-03-01")
	require.Error(t, err)
	_, err = ParseIssueKey("taz/2024-03-01/unknown")
	require.Error(t, err)
}

func TestIssueAllFilesDeduplicates(t *testing.T) {
	shared := FileEntry{Name: "logo.png", Folder: "resources", Size: 10}
	issue := &Issue{
		Key:      IssueKey{Feed: "taz", Date: "2024-03-01", Status: StatusPublic},
		Moment:   Collection{Kind: KindMoment, Name: "moment", Files: []FileEntry{{Name: "cover.jpg", Folder: "issues/taz/2024-03-01", Size: 5}}},
		Sections: []Collection{{Kind: KindSection, Name: "s1.html", Files: []FileEntry{{Name: "s1.html", Folder: "issues/taz/2024-03-01"}, shared}}},
		Articles: []Collection{{Kind: KindArticle, Name: "a1.html", Files: []FileEntry{{Name: "a1.html", Folder: "issues/taz/2024-03-01"}, shared}}},
	}

	files := issue.AllFiles()
	require.Len(t, files, 4)
	require.Len(t, issue.Collections(), 3)

	c := issue.AsCollection()
	require.Equal(t, int64(15), c.TotalSize())
}

func TestDownloadTagsAreDistinctPerVariant(t *testing.T) {
	file := FileEntry{Name: "a1.html", Folder: "issues/taz/2024-03-01"}
	var entities = []Downloadable{
		IssueKey{Feed: "taz", Date: "2024-03-01", Status: StatusPublic},
		Collection{Kind: KindArticle, Name: "a1.html", Files: []FileEntry{file}},
		SingleFile{File: file},
	}
	seen := map[string]bool{}
	for _, e := range entities {
		require.False(t, seen[e.DownloadTag()], e.DownloadTag())
		seen[e.DownloadTag()] = true
	}
}
