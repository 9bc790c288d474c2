package node

import "testing"

func TestExistsFindsRecordedEntriesAtEveryDepth(t *testing.T) {
	n := NewNode("", false)
	n.AddVersionedEntry("trunk", false)
	n.AddVersionedEntry("trunk/sub", false)
	n.AddVersionedEntry("trunk/sub/a.txt", true)

	for _, p := range []string{"trunk", "trunk/sub", "trunk/sub/a.txt"} {
		if !n.Exists(p) {
			t.Errorf("Exists(%q) = false, want true", p)
		}
	}
	if n.Exists("trunk/sub/b.txt") {
		t.Error("Exists(trunk/sub/b.txt) = true, want false")
	}
}

func TestExistsDoesNotTreatAncestorOfAnEntryAsItselfRecorded(t *testing.T) {
	n := NewNode("", false)
	n.AddVersionedEntry("trunk/orphan/new.txt", true)

	if n.Exists("trunk/orphan") {
		t.Error("Exists(trunk/orphan) = true, want false: it was only ever an ancestor, never recorded itself")
	}
	if n.Exists("trunk") {
		t.Error("Exists(trunk) = true, want false: it was only ever an ancestor, never recorded itself")
	}
	if !n.Exists("trunk/orphan/new.txt") {
		t.Error("Exists(trunk/orphan/new.txt) = false, want true")
	}
}

func TestExistsRootPathAlwaysTrue(t *testing.T) {
	n := NewNode("", false)
	if !n.Exists("") {
		t.Error("Exists(\"\") = false, want true")
	}
}

func TestAddVersionedEntryRecordsEmptyDirectory(t *testing.T) {
	n := NewNode("", false)
	n.AddVersionedEntry("branches/feature", false)

	if !n.Exists("branches/feature") {
		t.Error("expected empty directory entry to be recorded")
	}
	if n.Exists("branches/feature/missing.txt") {
		t.Error("did not expect a file under an empty recorded directory")
	}
}

func TestExistsIsCaseInsensitiveWhenConfigured(t *testing.T) {
	n := NewNode("", true)
	n.AddVersionedEntry("Trunk/README.txt", true)

	if !n.Exists("trunk/readme.txt") {
		t.Error("expected case-insensitive match to find the recorded path")
	}
}

func TestExistsIsCaseSensitiveByDefault(t *testing.T) {
	n := NewNode("", false)
	n.AddVersionedEntry("Trunk/README.txt", true)

	if n.Exists("trunk/readme.txt") {
		t.Error("did not expect a case-sensitive tree to match differently-cased path")
	}
}
