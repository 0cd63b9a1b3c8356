package configstore

// ConfigStore loads and saves one configuration document.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}

// Watcher is implemented by stores that can report changes to their document.
type Watcher interface {
	Watch(onChange func()) error
}
