package ir

// Resource represents a single managed resource as declared in configuration.
type Resource struct {
	Type       string         `pkl:"type"` // e.g. "aws:S3.Bucket"
	Name       string         `pkl:"name"`
	Module     string         `pkl:"module"` // "" for the root module
	Provider   string         `pkl:"provider"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle"`
	DependsOn  []string       `pkl:"dependsOn"`
	Count      int            `pkl:"count"`
	ForEach    map[string]any `pkl:"forEach"`
	Timeout    string         `pkl:"timeout"` // per-operation timeout, Go duration string
	Properties map[string]any `pkl:"properties"`

	Provisioners []*Provisioner `pkl:"provisioners"`
}

// Address returns the resource's address.
func (r *Resource) Address() Address {
	t := r.Type
	if t == "" {
		t = "null_resource"
	}
	return Address{Module: r.Module, Type: t, Name: r.Name}
}

// CreateBeforeDestroy reports the effective create-before-destroy setting.
func (r *Resource) CreateBeforeDestroy() bool {
	return r.Lifecycle != nil && r.Lifecycle.CreateBeforeDestroy
}

type Lifecycle struct {
	CreateBeforeDestroy bool     `pkl:"createBeforeDestroy"`
	PreventDestroy      bool     `pkl:"preventDestroy"`
	IgnoreChanges       []string `pkl:"ignoreChanges"`
}

// Provisioner is an imperative side-effect hook attached to a resource,
// executed after a successful create or update. Provisioner failure never
// rolls back the primary action.
type Provisioner struct {
	Command   string `pkl:"command"`
	When      string `pkl:"when"`      // "create" (default) or "update"
	OnFailure string `pkl:"onFailure"` // "fail" (default) or "continue"
	Retries   int    `pkl:"retries"`
}
