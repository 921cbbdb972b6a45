package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"erpcore/internal/infra/persistence/memory"
	"erpcore/pkg/schema"
)

// testModule adapts a setup function to the Module interface.
type testModule struct {
	name    string
	version string
	setup   func(*ModuleRegistry) error
}

func (m testModule) Name() string                       { return m.name }
func (m testModule) Version() string                    { return m.version }
func (m testModule) Register(reg *ModuleRegistry) error { return m.setup(reg) }

// projectTracker declares a small project-management schema exercising every
// field kind the engine handles: defaults, relations with all three delete
// policies, stored and virtual computed fields, and a constraint.
func projectTracker() Module {
	return testModule{
		name:    "projects",
		version: "1.0.0",
		setup: func(reg *ModuleRegistry) error {
			reg.DefineModel(schema.Def{
				Name:  "person",
				Label: "Person",
				Order: "name",
				Fields: []schema.Field{
					{Name: "name", Kind: schema.KindText, Required: true},
				},
			})
			reg.DefineModel(schema.Def{
				Name:  "tag",
				Label: "Tag",
				Order: "label desc",
				Fields: []schema.Field{
					{Name: "label", Kind: schema.KindText, Required: true},
				},
			})
			reg.DefineModel(schema.Def{
				Name:  "customer",
				Label: "Customer",
				Order: "name",
				Fields: []schema.Field{
					{Name: "name", Kind: schema.KindText, Required: true},
					{Name: "code", Kind: schema.KindText, DefaultFunc: func() any { return "C-000" }},
					{Name: "rating", Kind: schema.KindInteger, Default: int64(3)},
					{Name: "projects", Kind: schema.KindOneToMany, Target: "project", Inverse: "customer_id"},
					{Name: "tags", Kind: schema.KindManyToMany, Target: "tag"},
				},
			})
			reg.DefineModel(schema.Def{
				Name:  "project",
				Label: "Project",
				Order: "title",
				Fields: []schema.Field{
					{Name: "title", Kind: schema.KindText, Required: true},
					{Name: "status", Kind: schema.KindText, Default: "draft"},
					{Name: "budget", Kind: schema.KindFloat},
					{Name: "started_on", Kind: schema.KindDate},
					{Name: "customer_id", Kind: schema.KindManyToOne, Target: "customer"},
					{Name: "tags", Kind: schema.KindManyToMany, Target: "tag"},
					{Name: "tasks", Kind: schema.KindOneToMany, Target: "task", Inverse: "project_id", OnDelete: schema.CascadeDelete},
					{Name: "total_cost", Kind: schema.KindFloat, Computed: true, Stored: true, Depends: []string{"tasks.cost"}},
					{Name: "task_count", Kind: schema.KindInteger, Computed: true, Depends: []string{"tasks.project_id"}},
					{Name: "tag_names", Kind: schema.KindText, Computed: true, Depends: []string{"tags.label"}},
				},
			})
			reg.DefineModel(schema.Def{
				Name:  "task",
				Label: "Task",
				Fields: []schema.Field{
					{Name: "title", Kind: schema.KindText},
					{Name: "hours", Kind: schema.KindFloat, Default: 1.0},
					{Name: "rate", Kind: schema.KindFloat},
					{Name: "project_id", Kind: schema.KindManyToOne, Target: "project", Required: true},
					{Name: "assignee_id", Kind: schema.KindManyToOne, Target: "person", OnDelete: schema.CascadeSetNull},
					{Name: "cost", Kind: schema.KindFloat, Computed: true, Stored: true, Depends: []string{"hours", "rate"}},
					{Name: "assignee_label", Kind: schema.KindText, Computed: true, Stored: true, Depends: []string{"assignee_id.name"}},
				},
			})

			for _, bind := range []struct {
				model, field string
				fn           ComputeFunc
			}{
				{"task", "cost", computeTaskCost},
				{"task", "assignee_label", computeAssigneeLabel},
				{"project", "total_cost", computeProjectCost},
				{"project", "task_count", computeTaskCount},
				{"project", "tag_names", computeTagNames},
			} {
				if err := reg.Compute(bind.model, bind.field, bind.fn); err != nil {
					return err
				}
			}

			reg.Constrain("project", Constraint{
				Name:   "positive_budget",
				Fields: []string{"budget"},
				Check: func(ctx context.Context, records *RecordSet) (string, error) {
					for _, rec := range records.Records() {
						budget, err := rec.GetFloat(ctx, "budget")
						if err != nil {
							return "", err
						}
						if budget < 0 {
							return fmt.Sprintf("budget must not be negative, got %v", budget), nil
						}
					}
					return "", nil
				},
			})
			return nil
		},
	}
}

func computeTaskCost(ctx context.Context, records *RecordSet) error {
	for _, rec := range records.Records() {
		hours, err := rec.GetFloat(ctx, "hours")
		if err != nil {
			return err
		}
		rate, err := rec.GetFloat(ctx, "rate")
		if err != nil {
			return err
		}
		if err := rec.Set("cost", hours*rate); err != nil {
			return err
		}
	}
	return nil
}

func computeAssigneeLabel(ctx context.Context, records *RecordSet) error {
	for _, rec := range records.Records() {
		v, err := rec.Get(ctx, "assignee_id")
		if err != nil {
			return err
		}
		label := ""
		if assignee := v.(*RecordSet); !assignee.IsEmpty() {
			label, err = assignee.GetString(ctx, "name")
			if err != nil {
				return err
			}
		}
		if err := rec.Set("assignee_label", label); err != nil {
			return err
		}
	}
	return nil
}

func computeProjectCost(ctx context.Context, records *RecordSet) error {
	for _, rec := range records.Records() {
		costs, err := rec.Mapped(ctx, "tasks.cost")
		if err != nil {
			return err
		}
		total := 0.0
		for _, c := range costs {
			if f, ok := c.(float64); ok {
				total += f
			}
		}
		if err := rec.Set("total_cost", total); err != nil {
			return err
		}
	}
	return nil
}

func computeTaskCount(ctx context.Context, records *RecordSet) error {
	for _, rec := range records.Records() {
		v, err := rec.Get(ctx, "tasks")
		if err != nil {
			return err
		}
		if err := rec.Set("task_count", int64(v.(*RecordSet).Len())); err != nil {
			return err
		}
	}
	return nil
}

func computeTagNames(ctx context.Context, records *RecordSet) error {
	for _, rec := range records.Records() {
		labels, err := rec.Mapped(ctx, "tags.label")
		if err != nil {
			return err
		}
		names := make([]string, 0, len(labels))
		for _, l := range labels {
			if s, ok := l.(string); ok {
				names = append(names, s)
			}
		}
		sort.Strings(names)
		if err := rec.Set("tag_names", strings.Join(names, ",")); err != nil {
			return err
		}
	}
	return nil
}

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	svc := NewService(memory.NewStore(), opts...)
	if _, err := svc.InstallModule(projectTracker()); err != nil {
		t.Fatalf("install module: %v", err)
	}
	if err := svc.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return svc
}

func newTestEnv(t *testing.T, opts ...ServiceOption) *Environment {
	t.Helper()
	return envFor(t, newTestService(t, opts...), 1)
}

func envFor(t *testing.T, svc *Service, tenant int64) *Environment {
	t.Helper()
	env, err := svc.Env(tenant, "tester")
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	return env
}

func mustModel(t *testing.T, env *Environment, name string) *RecordSet {
	t.Helper()
	rs, err := env.Model(name)
	if err != nil {
		t.Fatalf("model %s: %v", name, err)
	}
	return rs
}

func mustCreate(t *testing.T, env *Environment, model string, values map[string]any) *RecordSet {
	t.Helper()
	created, err := mustModel(t, env, model).Create(context.Background(), values)
	if err != nil {
		t.Fatalf("create %s: %v", model, err)
	}
	return created
}

// seedProject creates a customer, a project under it, and two tasks.
func seedProject(t *testing.T, env *Environment) (customer, project, tasks *RecordSet) {
	t.Helper()
	customer = mustCreate(t, env, "customer", map[string]any{"name": "Acme"})
	project = mustCreate(t, env, "project", map[string]any{
		"title":       "Warehouse",
		"budget":      1000.0,
		"customer_id": customer,
	})
	projectID, _ := project.ID()
	t1 := mustCreate(t, env, "task", map[string]any{
		"title":      "Survey",
		"hours":      2.0,
		"rate":       50.0,
		"project_id": projectID,
	})
	t2 := mustCreate(t, env, "task", map[string]any{
		"title":      "Build",
		"hours":      10.0,
		"rate":       80.0,
		"project_id": projectID,
	})
	tasks, err := t1.Union(t2)
	if err != nil {
		t.Fatalf("union tasks: %v", err)
	}
	return customer, project, tasks
}

func TestInstallModuleMetadata(t *testing.T) {
	svc := NewService(memory.NewStore())
	meta, err := svc.InstallModule(projectTracker())
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if meta.Name != "projects" || meta.Version != "1.0.0" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	want := []string{"customer", "person", "project", "tag", "task"}
	if fmt.Sprint(meta.Models) != fmt.Sprint(want) {
		t.Fatalf("models = %v, want %v", meta.Models, want)
	}

	if _, err := svc.InstallModule(projectTracker()); err == nil || !strings.Contains(err.Error(), "already installed") {
		t.Fatalf("duplicate install error = %v", err)
	}
	installed := svc.InstalledModules()
	if len(installed) != 1 || installed[0].Name != "projects" {
		t.Fatalf("installed = %+v", installed)
	}
}

func TestEnvRequiresFinalize(t *testing.T) {
	svc := NewService(memory.NewStore())
	if _, err := svc.InstallModule(projectTracker()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := svc.Env(1, "tester"); err == nil || !strings.Contains(err.Error(), "not finalized") {
		t.Fatalf("env before finalize error = %v", err)
	}
	if err := svc.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	env, err := svc.Env(4, "alice")
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if env.Tenant != 4 || env.Actor != "alice" || env.LastTxStatus != TxPending {
		t.Fatalf("unexpected environment %+v", env)
	}
}

func TestFinalizeReportsUnboundCompute(t *testing.T) {
	svc := NewService(memory.NewStore())
	mod := testModule{
		name:    "incomplete",
		version: "0.1.0",
		setup: func(reg *ModuleRegistry) error {
			reg.DefineModel(schema.Def{
				Name: "widget",
				Fields: []schema.Field{
					{Name: "size", Kind: schema.KindFloat},
					{Name: "volume", Kind: schema.KindFloat, Computed: true, Stored: true, Depends: []string{"size"}},
				},
			})
			return nil
		},
	}
	if _, err := svc.InstallModule(mod); err != nil {
		t.Fatalf("install: %v", err)
	}
	err := svc.Finalize()
	if err == nil || !strings.Contains(err.Error(), "no registered function") {
		t.Fatalf("finalize error = %v", err)
	}
}

func TestModelUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Model("spaceship"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}
