package trigger

// Trigger fires one acquisition when the stage has arrived at a scan
// target. It is called once per recorded point, before the point is kept.
type Trigger interface {
	Fire(target, measured int) error
}

// None is the placeholder trigger: it does nothing and never fails.
type None struct{}

func (None) Fire(target, measured int) error { return nil }

// Func adapts a plain function to Trigger.
type Func func(target, measured int) error

func (f Func) Fire(target, measured int) error { return f(target, measured) }
