// Package browser launches and drives the automated browser behind chatrelay.
//
// The rest of the system only depends on the PageDriver capability set;
// everything rod-specific stays inside this package.
package browser

// Element is one located element handle on the page
type Element interface {
	// Text returns the visible text of the element
	Text() (string, error)
	// Click activates the element
	Click() error
	// SetValueAndNotify assigns the element's value directly and fires a
	// synthetic input event so the page framework notices the change
	SetValueAndNotify(value string) error
	// Remove deletes the element from the DOM
	Remove() error
}

// PageDriver is one automated browser tab.
// Selectors are CSS by default; a "//" prefix selects by XPath.
type PageDriver interface {
	Navigate(url string) error
	// FindAll returns the elements currently matching selector, in document
	// order. It does not wait; an empty result is not an error.
	FindAll(selector string) ([]Element, error)
	// Alive reports whether the underlying tab still responds
	Alive() bool
	Close() error
}
