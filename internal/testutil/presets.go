package testutil

// WithJobsScenario adds the canonical jobs scenario: a single jobs frame
// hosting the job-management remote fragment, with the main backend endpoint
// already set by NewBuilder.
func (b *Builder) WithJobsScenario() *Builder {
	return b.
		WithFragment("job-management",
			FragmentNamed("Job Management"),
			Remote("http://localhost:4173/assets/remoteEntry.js"),
			EntryPoint("./JobManagementApp")).
		WithFrame("jobs", Named("Jobs"), Assigned("job-management"))
}

// WithWorkbenchScenario adds a two-frame layout mixing builtin and remote
// fragments, for routing and multi-slot tests.
func (b *Builder) WithWorkbenchScenario() *Builder {
	return b.
		WithFragment("catalog",
			Remote("http://localhost:4174/assets/remoteEntry.js"),
			EntryPoint("./CatalogApp")).
		WithFrame("home", Named("Home"), Assigned("welcome")).
		WithFrame("workbench", Named("Workbench"), Assigned("catalog", "notes"))
}
