package ssmiss

import "testing"

func TestShouldPublish(t *testing.T) {
	last := make(map[string]string)
	if !shouldPublish(last, "MODULE", `{"a":1}`, false) {
		t.Error("first payload on a tag must publish")
	}
	if shouldPublish(last, "MODULE", `{"a":1}`, false) {
		t.Error("identical consecutive payload must not republish")
	}
	if !shouldPublish(last, "SESSION", `{"a":1}`, false) {
		t.Error("same payload on a different tag must publish")
	}
	if !shouldPublish(last, "MODULE", `{"a":2}`, false) {
		t.Error("changed payload must publish")
	}
	if shouldPublish(last, "MODULE", `{"a":2}`, false) {
		t.Error("dedup must track the latest payload")
	}
	if !shouldPublish(last, "MODULE", `{"a":2}`, true) {
		t.Error("forced update must publish even unchanged")
	}
}
