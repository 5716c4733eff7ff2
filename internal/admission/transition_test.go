package admission

import (
	"reflect"
	"testing"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		state   State
		in      Input
		want    State
		actions []Action
	}{
		{"verify from unverified", StateUnverified, VerificationSucceeded{}, StateVerified, []Action{CreateInvite{}, UpsertRecord{}, SendInvite{}}},
		{"reverify", StateVerified, VerificationSucceeded{}, StateVerified, []Action{CreateInvite{}, UpsertRecord{}, SendInvite{}}},
		{"join when verified", StateVerified, JoinRequested{}, StateVerified, []Action{ApproveJoin{}, NotifyApproved{}}},
		{"join when unverified", StateUnverified, JoinRequested{}, StateUnverified, nil},
		{"granted when verified", StateVerified, MembershipGranted{}, StateUnverified, []Action{DeleteRecord{}}},
		{"granted when unverified", StateUnverified, MembershipGranted{}, StateUnverified, []Action{DeleteRecord{}}},
		{"unlinked", StateVerified, Unlinked{}, StateUnverified, []Action{DeleteRecord{}}},
	}
	for _, tc := range cases {
		got, actions := Transition(tc.state, tc.in)
		if got != tc.want {
			t.Fatalf("%s: state got %s want %s", tc.name, got, tc.want)
		}
		if !reflect.DeepEqual(actions, tc.actions) {
			t.Fatalf("%s: actions got %#v want %#v", tc.name, actions, tc.actions)
		}
	}
}
