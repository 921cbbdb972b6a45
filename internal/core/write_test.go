package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"erpcore/internal/infra/persistence/memory"
	"erpcore/pkg/query"
	"erpcore/pkg/schema"
	"erpcore/pkg/storage"
)

func TestCreateAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	env := newTestEnv(t, WithClock(ClockFunc(func() time.Time { return fixed })))

	rec := mustCreate(t, env, "customer", map[string]any{"name": "Acme"})

	code, err := rec.GetString(ctx, "code")
	if err != nil || code != "C-000" {
		t.Fatalf("code = %q, %v", code, err)
	}
	rating, err := rec.GetInt(ctx, "rating")
	if err != nil || rating != 3 {
		t.Fatalf("rating = %d, %v", rating, err)
	}
	active, err := rec.GetBool(ctx, schema.FieldActive)
	if err != nil || !active {
		t.Fatalf("active = %v, %v", active, err)
	}
	created, err := rec.GetTime(ctx, schema.FieldCreatedAt)
	if err != nil || !created.Equal(fixed) {
		t.Fatalf("created_at = %v, %v", created, err)
	}
	updated, err := rec.GetTime(ctx, schema.FieldUpdatedAt)
	if err != nil || !updated.Equal(fixed) {
		t.Fatalf("updated_at = %v, %v", updated, err)
	}
}

func TestCreateRequiresFields(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := mustModel(t, env, "customer").Create(ctx, map[string]any{"rating": 5})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Constraint != "required" || !strings.Contains(verr.Message, "name") {
		t.Fatalf("unexpected validation error %+v", verr)
	}
}

func TestCreateRejectsBadFields(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	cases := []struct {
		name   string
		values map[string]any
		reason string
	}{
		{"unknown", map[string]any{"name": "Acme", "flavor": "sour"}, "unknown field"},
		{"computed", map[string]any{"title": "X", "total_cost": 1.0}, "derived"},
		{"id", map[string]any{"name": "Acme", "id": int64(9)}, "engine-managed"},
		{"tenant", map[string]any{"name": "Acme", "tenant_id": int64(2)}, "engine-managed"},
		{"created_at", map[string]any{"name": "Acme", "created_at": "2026-01-01"}, "engine-managed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := "customer"
			if tc.name == "computed" {
				model = "project"
			}
			_, err := mustModel(t, env, model).Create(ctx, tc.values)
			if err == nil || !strings.Contains(err.Error(), tc.reason) {
				t.Fatalf("error = %v, want %q", err, tc.reason)
			}
		})
	}

	// active is the one reserved field callers may set.
	rec := mustCreate(t, env, "customer", map[string]any{"name": "Dormant", "active": false})
	active, err := rec.GetBool(ctx, schema.FieldActive)
	if err != nil || active {
		t.Fatalf("active = %v, %v", active, err)
	}
}

func TestWriteUpdatesValues(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	env := newTestEnv(t, WithClock(ClockFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})))

	rec := mustCreate(t, env, "customer", map[string]any{"name": "Acme"})
	createdAt, _ := rec.GetTime(ctx, schema.FieldUpdatedAt)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	if err := rec.Write(ctx, map[string]any{"rating": 5, "name": "Acme Corp"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	name, _ := rec.GetString(ctx, "name")
	rating, _ := rec.GetInt(ctx, "rating")
	if name != "Acme Corp" || rating != 5 {
		t.Fatalf("name=%q rating=%d after write", name, rating)
	}
	updatedAt, _ := rec.GetTime(ctx, schema.FieldUpdatedAt)
	if !updatedAt.After(createdAt) {
		t.Fatalf("updated_at %v not bumped past %v", updatedAt, createdAt)
	}
}

func TestWriteMissingRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	ghost := mustModel(t, env, "customer").Browse(99)
	err := ghost.Write(ctx, map[string]any{"name": "Ghost"})
	var merr MissingRecordError
	if !errors.As(err, &merr) || merr.Model != "customer" {
		t.Fatalf("expected MissingRecordError, got %v", err)
	}
}

func TestWriteRejectsRequiredNil(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := mustCreate(t, env, "customer", map[string]any{"name": "Acme"})

	err := rec.Write(ctx, map[string]any{"name": nil})
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Constraint != "required" {
		t.Fatalf("expected required violation, got %v", err)
	}
}

func TestWriteRejectsComputedAndReserved(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)

	if err := project.Write(ctx, map[string]any{"total_cost": 7.0}); err == nil {
		t.Fatal("expected error writing computed field")
	}
	if err := project.Write(ctx, map[string]any{"tenant_id": int64(2)}); err == nil {
		t.Fatal("expected error writing reserved field")
	}
}

func TestOneToManyReassignment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, p1, tasks := seedProject(t, env)
	taskIDs := tasks.IDs()

	p2 := mustCreate(t, env, "project", map[string]any{
		"title": "Annex",
		"tasks": []int64{taskIDs[0]},
	})

	moved := mustModel(t, env, "task").Browse(taskIDs[0])
	parent, err := moved.Get(ctx, "project_id")
	if err != nil {
		t.Fatalf("get project_id: %v", err)
	}
	p2ID, _ := p2.ID()
	gotID, err := parent.(*RecordSet).ID()
	if err != nil || gotID != p2ID {
		t.Fatalf("task parent = %d, want %d (%v)", gotID, p2ID, err)
	}

	count, err := p1.GetInt(ctx, "task_count")
	if err != nil || count != 1 {
		t.Fatalf("p1 task_count = %d, %v", count, err)
	}
}

func TestOneToManyReplaceDetachesOptionalInverse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	customer, project, _ := seedProject(t, env)

	// customer.projects has an optional inverse, so replacing with an empty
	// list clears project.customer_id.
	if err := customer.Write(ctx, map[string]any{"projects": Replace()}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	parent, err := project.Get(ctx, "customer_id")
	if err != nil {
		t.Fatalf("get customer_id: %v", err)
	}
	if !parent.(*RecordSet).IsEmpty() {
		t.Fatalf("customer_id = %v, want empty", parent.(*RecordSet).IDs())
	}
}

func TestOneToManyReplaceRejectsRequiredDetach(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)

	// task.project_id is required; dropping a child without deleting it is
	// rejected.
	err := project.Write(ctx, map[string]any{"tasks": Replace()})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	count, err := project.GetInt(ctx, "task_count")
	if err != nil || count != 2 {
		t.Fatalf("task_count after failed replace = %d, %v", count, err)
	}
}

func TestManyToManyCommands(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)

	urgent := mustCreate(t, env, "tag", map[string]any{"label": "urgent"})
	internal := mustCreate(t, env, "tag", map[string]any{"label": "internal"})
	urgentID, _ := urgent.ID()
	internalID, _ := internal.ID()

	if err := project.Write(ctx, map[string]any{"tags": Add(urgentID, internalID)}); err != nil {
		t.Fatalf("add tags: %v", err)
	}
	names, err := project.GetString(ctx, "tag_names")
	if err != nil || names != "internal,urgent" {
		t.Fatalf("tag_names = %q, %v", names, err)
	}

	if err := project.Write(ctx, map[string]any{"tags": Remove(internalID)}); err != nil {
		t.Fatalf("remove tag: %v", err)
	}
	names, _ = project.GetString(ctx, "tag_names")
	if names != "urgent" {
		t.Fatalf("tag_names after remove = %q", names)
	}

	if err := project.Write(ctx, map[string]any{"tags": Replace(internalID)}); err != nil {
		t.Fatalf("replace tags: %v", err)
	}
	names, _ = project.GetString(ctx, "tag_names")
	if names != "internal" {
		t.Fatalf("tag_names after replace = %q", names)
	}
}

func TestLinkCommandForms(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)

	tag := mustCreate(t, env, "tag", map[string]any{"label": "vip"})
	tagID, _ := tag.ID()

	// Plain int slices and record sets are accepted as replace commands.
	if err := project.Write(ctx, map[string]any{"tags": []int{int(tagID)}}); err != nil {
		t.Fatalf("int slice: %v", err)
	}
	if err := project.Write(ctx, map[string]any{"tags": tag}); err != nil {
		t.Fatalf("record set: %v", err)
	}
	names, _ := project.GetString(ctx, "tag_names")
	if names != "vip" {
		t.Fatalf("tag_names = %q", names)
	}

	// A set from another model is rejected.
	if err := project.Write(ctx, map[string]any{"tags": project}); err == nil {
		t.Fatal("expected model mismatch error")
	}
}

func TestConstraintRejectsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := mustModel(t, env, "project").Create(ctx, map[string]any{
		"title":  "Doomed",
		"budget": -10.0,
	})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Constraint != "positive_budget" || !strings.Contains(verr.Message, "negative") {
		t.Fatalf("unexpected violation %+v", verr)
	}
	if env.LastTxStatus != TxRejected {
		t.Fatalf("tx status = %s, want %s", env.LastTxStatus, TxRejected)
	}

	count, err := mustModel(t, env, "project").SearchCount(ctx, nil)
	if err != nil || count != 0 {
		t.Fatalf("count after rollback = %d, %v", count, err)
	}
}

func TestConstraintObservesValidatingStatus(t *testing.T) {
	ctx := context.Background()
	_ = ctx
	svc := NewService(memory.NewStore())
	var seen TxStatus
	mod := testModule{
		name:    "probe",
		version: "0.1.0",
		setup: func(reg *ModuleRegistry) error {
			reg.DefineModel(schema.Def{
				Name:   "thing",
				Fields: []schema.Field{{Name: "name", Kind: schema.KindText}},
			})
			reg.Constrain("thing", Constraint{
				Name:   "observe_status",
				Fields: []string{"name"},
				Check: func(ctx context.Context, records *RecordSet) (string, error) {
					seen = records.Env().LastTxStatus
					return "", nil
				},
			})
			return nil
		},
	}
	if _, err := svc.InstallModule(mod); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := svc.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	env := envFor(t, svc, 1)

	mustCreate(t, env, "thing", map[string]any{"name": "ok"})
	if seen != TxValidating {
		t.Fatalf("status inside check = %s, want %s", seen, TxValidating)
	}
	if env.LastTxStatus != TxCommitted {
		t.Fatalf("status after commit = %s, want %s", env.LastTxStatus, TxCommitted)
	}
}

func TestConstraintFieldIntersection(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore())
	var runs int
	mod := testModule{
		name:    "probe",
		version: "0.1.0",
		setup: func(reg *ModuleRegistry) error {
			reg.DefineModel(schema.Def{
				Name: "thing",
				Fields: []schema.Field{
					{Name: "name", Kind: schema.KindText},
					{Name: "size", Kind: schema.KindInteger},
				},
			})
			reg.Constrain("thing", Constraint{
				Name:   "named",
				Fields: []string{"name"},
				Check: func(ctx context.Context, records *RecordSet) (string, error) {
					runs++
					return "", nil
				},
			})
			return nil
		},
	}
	if _, err := svc.InstallModule(mod); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := svc.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	env := envFor(t, svc, 1)

	rec := mustCreate(t, env, "thing", map[string]any{"name": "a"})
	if runs != 1 {
		t.Fatalf("runs after create = %d, want 1", runs)
	}
	// Writes not touching the constraint's fields skip it.
	if err := rec.Write(ctx, map[string]any{"size": int64(4)}); err != nil {
		t.Fatalf("write size: %v", err)
	}
	if runs != 1 {
		t.Fatalf("runs after unrelated write = %d, want 1", runs)
	}
	if err := rec.Write(ctx, map[string]any{"name": "b"}); err != nil {
		t.Fatalf("write name: %v", err)
	}
	if runs != 2 {
		t.Fatalf("runs after name write = %d, want 2", runs)
	}
}

func TestUnlinkRestrict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	customer, _, _ := seedProject(t, env)

	err := customer.Unlink(ctx)
	var ierr IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if ierr.RefModel != "project" || ierr.RefField != "customer_id" {
		t.Fatalf("unexpected reference %+v", ierr)
	}
	count, err := mustModel(t, env, "customer").SearchCount(ctx, nil)
	if err != nil || count != 1 {
		t.Fatalf("customer count = %d, %v", count, err)
	}
}

func TestUnlinkCascadesChildren(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, tasks := seedProject(t, env)

	if err := project.Unlink(ctx); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	for _, name := range []string{"project", "task"} {
		count, err := mustModel(t, env, name).SearchCount(ctx, nil)
		if err != nil || count != 0 {
			t.Fatalf("%s count = %d, %v", name, count, err)
		}
	}
	// The cascaded rows are gone from storage, not only from search scope.
	err := env.Service().Store().View(ctx, func(v storage.View) error {
		rows, err := v.Fetch("task", tasks.IDs(), []string{"title"})
		if err != nil {
			return err
		}
		if len(rows) != 0 {
			t.Fatalf("task rows survived cascade: %v", rows)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestUnlinkSetsNullOnReferences(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, _, tasks := seedProject(t, env)
	person := mustCreate(t, env, "person", map[string]any{"name": "Mallory"})
	personID, _ := person.ID()

	first := mustModel(t, env, "task").Browse(tasks.IDs()[0])
	if err := first.Write(ctx, map[string]any{"assignee_id": personID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := person.Unlink(ctx); err != nil {
		t.Fatalf("unlink person: %v", err)
	}

	assignee, err := first.Get(ctx, "assignee_id")
	if err != nil {
		t.Fatalf("get assignee: %v", err)
	}
	if !assignee.(*RecordSet).IsEmpty() {
		t.Fatalf("assignee_id = %v, want empty", assignee.(*RecordSet).IDs())
	}
}

func TestUnlinkSweepsLinkRows(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)
	tag := mustCreate(t, env, "tag", map[string]any{"label": "vip"})
	tagID, _ := tag.ID()
	projectID, _ := project.ID()

	if err := project.Write(ctx, map[string]any{"tags": Add(tagID)}); err != nil {
		t.Fatalf("tag: %v", err)
	}
	if err := project.Unlink(ctx); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	err := env.Service().Store().View(ctx, func(v storage.View) error {
		links, err := v.Links("project_tag_rel", []int64{projectID})
		if err != nil {
			return err
		}
		if len(links[projectID]) != 0 {
			t.Fatalf("links survived delete: %v", links)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestArchiveUnarchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)

	if err := project.Archive(ctx); err != nil {
		t.Fatalf("archive: %v", err)
	}
	count, err := mustModel(t, env, "project").SearchCount(ctx, nil)
	if err != nil || count != 0 {
		t.Fatalf("count after archive = %d, %v", count, err)
	}
	archived, err := mustModel(t, env, "project").SearchCount(ctx, query.Domain{
		query.C(schema.FieldActive, query.OpEq, false),
	})
	if err != nil || archived != 1 {
		t.Fatalf("archived count = %d, %v", archived, err)
	}

	if err := project.Unarchive(ctx); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	count, err = mustModel(t, env, "project").SearchCount(ctx, nil)
	if err != nil || count != 1 {
		t.Fatalf("count after unarchive = %d, %v", count, err)
	}
}

func TestCrossTenantWritesRejected(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	owner := envFor(t, svc, 1)
	customer := mustCreate(t, owner, "customer", map[string]any{"name": "Acme"})
	custID, err := customer.ID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}

	intruder := envFor(t, svc, 2)
	foreign := mustModel(t, intruder, "customer").Browse(custID)

	var merr MissingRecordError
	err = foreign.Write(ctx, map[string]any{"name": "Hijacked"})
	if !errors.As(err, &merr) {
		t.Fatalf("expected MissingRecordError on write, got %v", err)
	}
	err = foreign.Unlink(ctx)
	if !errors.As(err, &merr) {
		t.Fatalf("expected MissingRecordError on unlink, got %v", err)
	}

	name, err := customer.GetString(ctx, "name")
	if err != nil || name != "Acme" {
		t.Fatalf("owner row changed: %q, %v", name, err)
	}
}
