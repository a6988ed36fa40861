package authority

import "testing"

func TestGuardCheck(t *testing.T) {
	guard := NewGuard()

	cases := []struct {
		role    Role
		res     Resource
		op      Operation
		allowed bool
	}{
		{RoleObserve, ResourceObservation, OperationWrite, true},
		{RoleObserve, ResourceEntity, OperationWrite, false},
		{RoleObserve, ResourcePlan, OperationRead, false},
		{RoleOrient, ResourceEntity, OperationWrite, true},
		{RoleOrient, ResourceTask, OperationWrite, false},
		{RoleOrient, ResourceAsset, OperationWrite, false},
		{RoleDecide, ResourcePlan, OperationWrite, true},
		{RoleDecide, ResourceTask, OperationWrite, false},
		{RoleAct, ResourceTask, OperationWrite, true},
		{RoleAct, ResourceAsset, OperationWrite, true},
		{RoleAct, ResourcePlan, OperationWrite, false},
		{RoleSystem, ResourcePlan, OperationWrite, true},
	}

	for _, tc := range cases {
		d := guard.Check(tc.role, tc.res, tc.op)
		if d.Allowed != tc.allowed {
			t.Errorf("%s %s %s: allowed = %v, want %v", tc.role, tc.op, tc.res, d.Allowed, tc.allowed)
		}
		if !d.Allowed && d.Reason == "" {
			t.Errorf("%s %s %s: denial must carry a reason", tc.role, tc.op, tc.res)
		}
	}
}

func TestGuardUnknownRole(t *testing.T) {
	guard := NewGuard()
	d := guard.Check(Role("intruder"), ResourceAsset, OperationRead)
	if d.Allowed {
		t.Fatalf("unknown role must be denied")
	}
	if d.Reason != "unknown role" {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
}

func TestGrantsForReturnsCopy(t *testing.T) {
	before := len(GrantsFor(RoleAct))
	got := GrantsFor(RoleAct)
	got[0] = Grant{ResourcePlan, OperationWrite}
	if len(GrantsFor(RoleAct)) != before || GrantsFor(RoleAct)[0] == got[0] {
		t.Fatalf("GrantsFor must not expose the internal table")
	}
}
