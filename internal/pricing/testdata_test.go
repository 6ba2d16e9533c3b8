package pricing

// sampleInstances returns a small EC2-like batch. Prices use strings and
// float64 so they survive a msgpack round trip unchanged.
func sampleInstances() []Instance {
	return []Instance{
		{
			Attributes: map[string]any{
				"instance_type": "m5.large",
				"memory":        8.0,
				"vCPU":          2.0,
				"family":        "General purpose",
			},
			Pricing: PricingTree{
				"us-east-1": {
					"linux": {
						OnDemand: "0.096",
						Reserved: map[string]any{
							"yrTerm1Standard.noUpfront":  "0.060",
							"yrTerm3Standard.allUpfront": "0.038",
						},
					},
					"mswin": {
						OnDemand: "0.188",
						Reserved: map[string]any{
							"yrTerm1Standard.noUpfront": "0.152",
						},
					},
				},
				"eu-west-1": {
					"linux": {
						OnDemand: "0.107",
						Reserved: map[string]any{
							"yrTerm1Standard.noUpfront":  "0.067",
							"yrTerm3Standard.allUpfront": "0.042",
						},
					},
					"rhel": {
						OnDemand: "0.107",
						Reserved: map[string]any{
							"yrTerm1Standard.noUpfront":  "0.067",
							"yrTerm3Standard.allUpfront": "0.042",
						},
					},
				},
			},
		},
		{
			Attributes: map[string]any{
				"instance_type": "t3.micro",
				"memory":        1.0,
				"vCPU":          2.0,
			},
			Pricing: PricingTree{
				"us-east-1": {
					"linux": {OnDemand: 0.0104},
				},
				"ap-southeast-2": {
					"linux": {OnDemand: 0.0132, Extra: map[string]any{"spot_min": "0.004"}},
				},
			},
		},
	}
}

func sampleHalfInstances() []Instance {
	return []Instance{
		{
			Attributes: map[string]any{"instance_type": "dc2.large"},
			Pricing: HalfPricingTree{
				"us-east-1": {
					OnDemand: "0.25",
					Reserved: map[string]any{"yrTerm1Standard.allUpfront": "0.16"},
				},
				"eu-central-1": {OnDemand: "0.324"},
			},
		},
		{
			Attributes: map[string]any{"instance_type": "ra3.xlplus"},
			Pricing: HalfPricingTree{
				"us-east-1": {OnDemand: "1.086", Reserved: map[string]any{}},
			},
		},
	}
}
