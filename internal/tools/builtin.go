package tools

// Config selects the settings of the builtin tools.
type Config struct {
	HTTP HTTPConfig
}

// RegisterBuiltins registers every builtin tool in reg.
func RegisterBuiltins(reg *Registry, cfg Config) error {
	all := make([]Tool, 0, 16)
	all = append(all, TextTools()...)
	all = append(all, CryptoTools()...)
	all = append(all, FetchTool(cfg.HTTP))

	exprTools, err := ExpressionTools()
	if err != nil {
		return err
	}
	all = append(all, exprTools...)

	schemaTool, err := SchemaTool()
	if err != nil {
		return err
	}
	all = append(all, schemaTool)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding every builtin tool.
func NewBuiltinRegistry(cfg Config) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, cfg); err != nil {
		return nil, err
	}
	return reg, nil
}
